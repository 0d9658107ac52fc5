package vm

import "github.com/tliron/commonlog"

var (
	log          = commonlog.GetLogger("capsule.vm")
	containerLog = commonlog.GetLogger("capsule.container")
)
