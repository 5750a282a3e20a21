package smemtrans

import (
	"sync"

	"github.com/hybridmem/core/cmn"
)

// kindCodes assigns the fixed negative integers spec §7's exit-code table
// implies ("Exit codes: 0 success; negative values from the catalog in
// §7"). The catalog's listed order fixes the assignment.
var kindCodes = map[cmn.Kind]int32{
	cmn.KindInvalidParam:     -1,
	cmn.KindNotInitialized:   -2,
	cmn.KindMallocFailed:     -3,
	cmn.KindNewObjectFailed:  -4,
	cmn.KindDlFunctionFailed: -5,
	cmn.KindTimeout:          -6,
	cmn.KindIoError:          -7,
	cmn.KindNotExist:         -8,
	cmn.KindInvalidMessage:   -9,
	cmn.KindRestore:          -10,
	cmn.KindResourceInUse:    -11,
	cmn.KindObjectNotExists:  -12,
	cmn.KindNotSupported:     -13,
}

const codeUnknown int32 = -128

var (
	lastErrMu sync.Mutex
	lastErr   = make(map[int32]string)
)

// errCode maps err to its negative exit code and records its message for
// GetErrorString, returning 0 for a nil err.
func errCode(err error) int32 {
	if err == nil {
		return 0
	}
	code, ok := kindCodes[cmn.AsKind(err)]
	if !ok {
		code = codeUnknown
	}
	lastErrMu.Lock()
	lastErr[code] = err.Error()
	lastErrMu.Unlock()
	return code
}

// GetErrorString is get_error_string's Go body (spec §7). The original
// keeps a thread-local description; this facade keeps the last message
// recorded per code in a process-wide map instead, since Go's goroutines
// have no stable thread identity to key a thread-local on.
func GetErrorString(code int32) string {
	if code == 0 {
		return "success"
	}
	lastErrMu.Lock()
	defer lastErrMu.Unlock()
	if msg, ok := lastErr[code]; ok {
		return msg
	}
	return "unknown error"
}
