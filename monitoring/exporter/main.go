// Command exporter reads runtime stats of a relay server from its expvar endpoint and
// exposes them as Prometheus metrics.
package main

import (
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/directim/relay/server/logs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/version"
)

type promHTTPLogger struct{}

func (l promHTTPLogger) Println(v ...any) {
	logs.Err.Println(v...)
}

func main() {
	var (
		relayAddr   = flag.String("relay_addr", "http://localhost:6060/debug/vars", "Address of the expvar endpoint of the relay instance to scrape.")
		listenAt    = flag.String("listen_at", ":6222", "Host name and port to listen for incoming requests on.")
		namespace   = flag.String("prom_namespace", "relay", "Prometheus namespace for metrics '<namespace>_...'")
		metricsPath = flag.String("prom_metrics_path", "/metrics", "Path under which to expose metrics for Prometheus scrapes.")
		timeout     = flag.Int("prom_timeout", 15, "Relay connection timeout in seconds in response to Prometheus scrapes.")
		logFlags    = flag.String("log_flags", "stdFlags", "Comma-separated list of log flags.")
	)
	flag.Parse()

	logs.Init(os.Stderr, *logFlags)
	logs.Info.Println("Relay metrics exporter", version.Info())

	if *metricsPath == "/" {
		logs.Err.Fatal("Serving metrics from / is not supported")
	}

	scrapeTimeout := time.Duration(*timeout) * time.Second
	registry := prometheus.NewRegistry()
	registry.MustRegister(NewPromExporter(*namespace, scrapeTimeout, NewScraper(*relayAddr, scrapeTimeout)))

	mux := http.NewServeMux()
	// Index page at web root.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><head><title>Relay Exporter</title></head><body>
<h1>Relay Exporter</h1>
<p>Prometheus exporter path: <a href='` + *metricsPath + `'>Metrics</a></p>
<h2>Build</h2>
<pre>` + version.Info() + ` ` + version.BuildContext() + `</pre>
</body></html>`))
	})
	mux.Handle(*metricsPath,
		promhttp.InstrumentMetricHandler(
			registry,
			promhttp.HandlerFor(
				registry,
				promhttp.HandlerOpts{
					ErrorLog: &promHTTPLogger{},
					Timeout:  scrapeTimeout,
				},
			),
		),
	)

	logs.Info.Println("Reading relay expvar from", *relayAddr)
	logs.Info.Printf("Serving metrics at %s%s", *listenAt, *metricsPath)
	logs.Err.Fatalln(http.ListenAndServe(*listenAt, mux))
}
