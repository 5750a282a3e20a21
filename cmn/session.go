package cmn

import (
	"encoding/binary"
	"net"
	"strconv"
	"strings"
)

// WorkerSession is the 8-byte binary unique_id form used inside wire
// structures (spec §3 StoredSliceInfo, GLOSSARY "Worker session").
type WorkerSession struct {
	IP       uint32 // host byte order
	Port     uint16
	Reserved uint16
}

// ParseUniqueID parses "ip:port" into a WorkerSession; this is the entity's
// unique_id (spec §4.10 step 1).
func ParseUniqueID(uniqueID string) (WorkerSession, error) {
	host, portStr, err := net.SplitHostPort(uniqueID)
	if err != nil {
		return WorkerSession{}, NewErrInvalidParam("unique_id %q: %v", uniqueID, err)
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return WorkerSession{}, NewErrInvalidParam("unique_id %q: not an IPv4 address", uniqueID)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return WorkerSession{}, NewErrInvalidParam("unique_id %q: bad port", uniqueID)
	}
	ip4 := ip.To4()
	return WorkerSession{
		IP:   binary.BigEndian.Uint32(ip4),
		Port: uint16(port),
	}, nil
}

func (w WorkerSession) String() string {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, w.IP)
	return ip.String() + ":" + strconv.Itoa(int(w.Port))
}

func (w WorkerSession) Encode() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b[0:4], w.IP)
	binary.LittleEndian.PutUint16(b[4:6], w.Port)
	binary.LittleEndian.PutUint16(b[6:8], w.Reserved)
	return b
}

func DecodeWorkerSession(b []byte) (WorkerSession, error) {
	if len(b) < 8 {
		return WorkerSession{}, NewErrInvalidMessage("worker session needs 8 bytes, got %d", len(b))
	}
	return WorkerSession{
		IP:       binary.LittleEndian.Uint32(b[0:4]),
		Port:     binary.LittleEndian.Uint16(b[4:6]),
		Reserved: binary.LittleEndian.Uint16(b[6:8]),
	}, nil
}

// StoreURL is the rendezvous store's TCP endpoint ("tcp://ip:port", spec §6).
type StoreURL struct {
	IP   string
	Port int
}

func ParseStoreURL(url string) (StoreURL, error) {
	s := strings.TrimPrefix(url, "tcp://")
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return StoreURL{}, NewErrInvalidParam("store_url %q: %v", url, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return StoreURL{}, NewErrInvalidParam("store_url %q: bad port", url)
	}
	return StoreURL{IP: host, Port: port}, nil
}

func (u StoreURL) Addr() string { return net.JoinHostPort(u.IP, strconv.Itoa(u.Port)) }
