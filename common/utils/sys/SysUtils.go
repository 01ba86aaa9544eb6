package sys

import (
	"runtime/debug"
	"strings"

	"github.com/petermattis/goid"

	"t3c/common/logger"
)

func GetGID() uint64 {
	id := goid.Get()
	return uint64(id)
}

var stopRequestPrinted bool

func CatchPanic() {
	if err := recover(); err != nil {
		msg, ok := err.(string)
		s := string(debug.Stack())
		if ok {
			if "exit" == msg {
				panic(msg)
			}

			if strings.Contains(msg, "printer stopped") {
				if !stopRequestPrinted {
					logger.Error("panic:", GetGID(), err, s)
					stopRequestPrinted = true
				}
				return
			}
		}
		logger.Error("panic:", GetGID(), err, s)
	}
}
