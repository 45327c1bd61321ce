package scheduler

import (
	_ "time/tzdata"

	logx "broadcastd/pkg/logx"
)

var noLog = logx.Nop()
