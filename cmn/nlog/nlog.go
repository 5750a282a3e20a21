// Package nlog is the library's own leveled logger: a thin wrapper over the
// standard logger, gated by SHMEM_LOG_LEVEL / ASCEND_MF_LOG_LEVEL.
/*
 * Copyright (c) 2024, Hybrid Memory Fabric Authors. All rights reserved.
 */
package nlog

import (
	"log"
	"os"
	"strconv"
)

type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var cur = LevelInfo

func init() {
	for _, name := range []string{"SHMEM_LOG_LEVEL", "ASCEND_MF_LOG_LEVEL"} {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= int(LevelDebug) && n <= int(LevelError) {
				cur = Level(n)
				break
			}
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
}

// SetLevel overrides the level resolved from the environment; mainly for tests.
func SetLevel(l Level) { cur = l }

func enabled(l Level) bool { return l >= cur }

func Debugln(v ...any) {
	if enabled(LevelDebug) {
		log.Println(append([]any{"D:"}, v...)...)
	}
}

func Debugf(format string, v ...any) {
	if enabled(LevelDebug) {
		log.Printf("D: "+format, v...)
	}
}

func Infoln(v ...any) {
	if enabled(LevelInfo) {
		log.Println(v...)
	}
}

func Infof(format string, v ...any) {
	if enabled(LevelInfo) {
		log.Printf(format, v...)
	}
}

func Warningln(v ...any) {
	if enabled(LevelWarn) {
		log.Println(append([]any{"W:"}, v...)...)
	}
}

func Warningf(format string, v ...any) {
	if enabled(LevelWarn) {
		log.Printf("W: "+format, v...)
	}
}

func Errorln(v ...any) {
	if enabled(LevelError) {
		log.Println(append([]any{"E:"}, v...)...)
	}
}

func Errorf(format string, v ...any) {
	if enabled(LevelError) {
		log.Printf("E: "+format, v...)
	}
}
