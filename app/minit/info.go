package minit

import (
	"context"
	"log"
	"runtime"

	"go.opencensus.io/stats"
	"go.opencensus.io/tag"

	"github.com/dstorage/go-dstor/build"
	logging "github.com/dstorage/go-dstor/lib/log"
	"github.com/dstorage/go-dstor/submodule/metrics"
)

var logger = logging.Logger("main")

func PrintVersion() {
	v := build.UserVersion()
	log.Printf("Dstor version: %s", v)
	log.Printf("System version: %s", runtime.GOARCH+"/"+runtime.GOOS)
	log.Printf("Golang version: %s", runtime.Version())
}

// RecordVersion sets the info gauge, tagged with the running version.
func RecordVersion(ctx context.Context) {
	ctx, err := tag.New(ctx, tag.Upsert(metrics.Version, build.UserVersion()))
	if err != nil {
		return
	}
	stats.Record(ctx, metrics.Info.M(1))
}
