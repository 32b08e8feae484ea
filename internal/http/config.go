package http

import (
	"github.com/parcelworks/assessor-sync/internal/database"
	"github.com/parcelworks/assessor-sync/internal/notify"
	"github.com/parcelworks/assessor-sync/internal/quality"
	"github.com/parcelworks/assessor-sync/internal/scheduler"
)

// RouterConfig carries every dependency the HTTP layer needs. A single
// struct keeps NewRouter's signature stable as the surface grows and
// lets tests populate only what they exercise.
type RouterConfig struct {
	Database  *database.Database
	Endpoints *database.Endpoints

	JobManager JobManager
	Scheduler  *scheduler.Scheduler
	Quality    *quality.Engine
	Notify     *notify.Router

	Version string
}
