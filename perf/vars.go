package perf

import (
	"expvar"
	"net/http"

	"github.com/encodeous/metric"
)

var (
	DispatchLatency = metric.NewHistogram("1m1s")

	PanAdvertsRx   = metric.NewCounter("10m10s")
	PanConfigsRx   = metric.NewCounter("10m10s")
	ParentSwitches = metric.NewCounter("24h1m")
	EapolRetries   = metric.NewCounter("1h10s")
	KeyInstalls    = metric.NewCounter("24h1m")

	FramesReassembled = metric.NewCounter("10s1s")
	FragmentsExpired  = metric.NewCounter("10m10s")
	TxBytesPerSecond  = metric.NewCounter("10s1s")
	RxBytesPerSecond  = metric.NewCounter("10s1s")
)

func init() {
	http.Handle("/debug/metrics", metric.Handler(metric.Exposed))
	expvar.Publish("weft:DispatchLatency (µs)", DispatchLatency)

	expvar.Publish("weft:PanAdvertsRx", PanAdvertsRx)
	expvar.Publish("weft:PanConfigsRx", PanConfigsRx)
	expvar.Publish("weft:ParentSwitches", ParentSwitches)
	expvar.Publish("weft:EapolRetries", EapolRetries)
	expvar.Publish("weft:KeyInstalls", KeyInstalls)

	expvar.Publish("weft:FramesReassembled", FramesReassembled)
	expvar.Publish("weft:FragmentsExpired", FragmentsExpired)
	expvar.Publish("weft:TxBytes/s", TxBytesPerSecond)
	expvar.Publish("weft:RxBytes/s", RxBytesPerSecond)
}
