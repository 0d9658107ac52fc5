package loader

import "github.com/tliron/commonlog"

var log = commonlog.GetLogger("capsule.loader")
