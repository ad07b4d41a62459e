package minit

import (
	"log"
	"os"
	"runtime/pprof"
	"time"
)

const (
	EnvEnableProfiling = "DSTOR_PROF"
	cpuProfile         = "dstor.cpuprof"
	heapProfile        = "dstor.memprof"

	heapProfileInterval = 30 * time.Second
)

// ProfileIfEnabled starts cpu and heap profiling when DSTOR_PROF is set.
// The returned func stops it.
func ProfileIfEnabled() (func(), error) {
	if os.Getenv(EnvEnableProfiling) == "" {
		return func() {}, nil
	}
	return startProfiling()
}

func startProfiling() (func(), error) {
	ofi, err := os.Create(cpuProfile)
	if err != nil {
		return nil, err
	}

	err = pprof.StartCPUProfile(ofi)
	if err != nil {
		log.Println("start cpu profile failed: ", err)
	}

	done := make(chan struct{})
	go func() {
		tick := time.NewTicker(heapProfileInterval)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				if err := writeHeapProfileToFile(); err != nil {
					log.Println("write profile failed: ", err)
				}
			}
		}
	}()

	stopProfiling := func() {
		close(done)
		pprof.StopCPUProfile()
		if err := ofi.Close(); err != nil {
			log.Println("stop cpu profile failed: ", err)
		}
	}
	return stopProfiling, nil
}

func writeHeapProfileToFile() error {
	mprof, err := os.Create(heapProfile)
	if err != nil {
		return err
	}
	defer mprof.Close()
	return pprof.WriteHeapProfile(mprof)
}
