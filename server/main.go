/******************************************************************************
 *
 *  Description :
 *
 *  Setup & initialization.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"runtime"
	"time"

	// Persistent message history.
	_ "github.com/directim/relay/server/db/mongodb"
	_ "github.com/directim/relay/server/db/mysql"
	_ "github.com/directim/relay/server/db/postgres"
	_ "github.com/directim/relay/server/db/rethinkdb"

	"github.com/directim/relay/server/chat"
	"github.com/directim/relay/server/logs"
	"github.com/directim/relay/server/pull"
	"github.com/directim/relay/server/store"
	jcr "github.com/tinode/jsonco"
)

const (
	// currentVersion is the current API/protocol version
	currentVersion = "0.1"

	// idleSessionTimeout defines duration of being idle before terminating a session.
	idleSessionTimeout = time.Second * 55

	// Default maximum size of an incoming websocket message.
	defaultMaxMessageSize = 1 << 18
	// Default maximum length of message text in grapheme clusters.
	defaultMaxTextLength = 4096
	// Default number of goroutines writing history.
	defaultHistoryWorkers = 8

	defaultListenAddr = "127.0.0.1:6060"
)

// Build version number defined by the compiler:
//
//	-ldflags "-X main.buildstamp=value_to_assign_to_buildstamp"
//
// For instance, to define the buildstamp as a timestamp of when the server was built add a
// flag to compiler command line:
//
//	-ldflags "-X main.buildstamp=`date -u '+%Y%m%dT%H:%M:%SZ'`"
//
// or to set it to git tag:
//
//	-ldflags "-X main.buildstamp=`git describe --tags`"
var buildstamp = "undef"

var globals struct {
	hub          *Hub
	sessionStore *SessionStore

	// Add Strict-Transport-Security to headers, the value signifies age.
	// Empty string "" turns it off
	tlsStrictMaxAge string

	// Maximum message size allowed from peer.
	maxMessageSize int64
	// Maximum length of message text in grapheme clusters.
	maxTextLength int

	// Use X-Forwarded-For HTTP header as client IP address.
	useXForwardedFor bool
	// Write HTTP access log to stdout.
	accessLog bool

	// Stats update channel.
	statsUpdate chan *varUpdate
}

type pullConfig struct {
	// Seconds after which an unfinished pull is discarded.
	ExpireAfter int `json:"expire_after"`
	// Seconds between sweeps of expired pulls.
	SweepPeriod int `json:"sweep_period"`
}

type rateLimitConfig struct {
	// Requests per second allowed to one session, 0 to disable.
	RPS float64 `json:"rps"`
	// Maximum burst of requests.
	Burst int `json:"burst"`
}

// Contents of the configuration file
type configType struct {
	// HTTP(S) address:port to listen on for websocket clients. If Listen is
	// not defined, the server will default to port 6060 on localhost.
	Listen string `json:"listen"`
	// URL path for exposing runtime stats. Disabled if the path is blank or "-".
	ExpvarPath string `json:"expvar"`
	// URL path for exposing profiling info. Disabled if the path is blank or "-".
	PprofPath string `json:"pprof"`
	// Maximum message size allowed from client. Intended to prevent malicious client from sending
	// very large messages.
	MaxMessageSize int `json:"max_message_size"`
	// Maximum length of message text in grapheme clusters.
	MaxTextLength int `json:"max_text_length"`
	// Take IP address of the client from HTTP header 'X-Forwarded-For'.
	// Useful when the server is behind a reverse proxy.
	UseXForwardedFor bool `json:"use_x_forwarded_for"`
	// Enable per-message websocket compression.
	WSCompression bool `json:"ws_compression"`
	// Log HTTP requests to stdout.
	AccessLog bool `json:"access_log"`
	// Number of partitions of the presence registry.
	RegistryShards int `json:"registry_shards"`
	// Expiration of history transfers.
	Pull pullConfig `json:"pull"`
	// Limits of request rate per session.
	RateLimit rateLimitConfig `json:"rate_limit"`
	// 2^10 = 1024 values, unique within the deployment.
	WorkerID int `json:"worker_id"`
	// Number of goroutines writing messages to the database.
	HistoryWorkers int `json:"history_workers"`

	// Configs for subsystems
	Store json.RawMessage `json:"store_config"`
	TLS   json.RawMessage `json:"tls"`
}

func main() {
	executable, _ := os.Executable()

	logFlags := flag.String("log_flags", "stdFlags",
		"Comma-separated list of log flags (as defined in https://golang.org/pkg/log/#pkg-constants without the L prefix)")
	configfile := flag.String("config", "relay.conf", "Path to config file.")
	listenOn := flag.String("listen", "", "Override address and port to listen on for HTTP(S) clients.")
	expvarPath := flag.String("expvar", "", "Override the URL path where runtime stats are exposed. Use '-' to disable.")
	pprofPath := flag.String("pprof_url", "", "Override the URL path where profiling info is exposed. Use '-' to disable.")
	tlsEnabled := flag.Bool("tls_enabled", false, "Override config value for enabling TLS.")
	flag.Parse()

	logs.Init(os.Stderr, *logFlags)

	logs.Info.Printf("Server v%s:%s:%s; pid %d; %d process(es)",
		currentVersion, executable, buildstamp,
		os.Getpid(), runtime.GOMAXPROCS(runtime.NumCPU()))

	logs.Info.Printf("Using config from '%s'", *configfile)

	var config configType
	if file, err := os.Open(*configfile); err != nil {
		logs.Err.Fatal("Failed to read config file: ", err)
	} else {
		jr := jcr.New(file)
		if err = json.NewDecoder(jr).Decode(&config); err != nil {
			switch jerr := err.(type) {
			case *json.UnmarshalTypeError:
				lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
				logs.Err.Fatalf("Unmarshall error in config file in %s at %d:%d (offset %d bytes): %s",
					jerr.Field, lnum, cnum, jerr.Offset, jerr.Error())
			case *json.SyntaxError:
				lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
				logs.Err.Fatalf("Syntax error in config file at %d:%d (offset %d bytes): %s",
					lnum, cnum, jerr.Offset, jerr.Error())
			default:
				logs.Err.Fatal("Failed to parse config file: ", err)
			}
		}
		file.Close()
	}

	if *listenOn != "" {
		config.Listen = *listenOn
	}
	if config.Listen == "" {
		config.Listen = defaultListenAddr
	}

	err := store.Store.Open(config.WorkerID, config.Store)
	if err != nil {
		logs.Err.Fatal("Failed to open DB: ", err)
	}
	if store.Store.IsOpen() {
		logs.Info.Println("DB adapter", store.Store.GetAdapterName(), store.Store.GetAdapterVersion())
	}
	defer func() {
		store.Store.Close()
		logs.Info.Println("Closed database connection(s)")
		logs.Info.Println("All done, good bye")
	}()

	globals.maxMessageSize = int64(config.MaxMessageSize)
	if globals.maxMessageSize <= 0 {
		globals.maxMessageSize = defaultMaxMessageSize
	}
	globals.maxTextLength = config.MaxTextLength
	if globals.maxTextLength <= 0 {
		globals.maxTextLength = defaultMaxTextLength
	}
	globals.useXForwardedFor = config.UseXForwardedFor
	globals.accessLog = config.AccessLog
	upgrader.EnableCompression = config.WSCompression

	tlsConfig, tlsOpts, err := parseTLSConfig(*tlsEnabled, config.TLS)
	if err != nil {
		logs.Err.Fatalln(err)
	}

	mux := http.NewServeMux()

	// Exposing values for statistics and monitoring.
	evpath := *expvarPath
	if evpath == "" {
		evpath = config.ExpvarPath
	}
	statsInit(mux, evpath)
	statsRegisterInt("IncomingMessagesWebsockTotal")
	statsRegisterInt("OutgoingMessagesWebsockTotal")

	ppath := *pprofPath
	if ppath == "" {
		ppath = config.PprofPath
	}
	servePprof(mux, ppath)

	if config.HistoryWorkers <= 0 {
		config.HistoryWorkers = defaultHistoryWorkers
	}
	if config.RegistryShards <= 0 {
		config.RegistryShards = chat.DefaultShards
	}
	expireAfter := time.Duration(config.Pull.ExpireAfter) * time.Second
	if expireAfter <= 0 {
		expireAfter = pull.DefaultExpiry
	}
	sweepPeriod := time.Duration(config.Pull.SweepPeriod) * time.Second
	if sweepPeriod <= 0 {
		sweepPeriod = pull.DefaultSweepPeriod
	}

	globals.sessionStore = NewSessionStore(config.RateLimit.RPS, config.RateLimit.Burst)
	globals.hub = newHub(&hubConfig{
		registryShards: config.RegistryShards,
		expireAfter:    expireAfter,
		sweepPeriod:    sweepPeriod,
		historyWorkers: config.HistoryWorkers,
	})

	// Handle websocket clients.
	mux.HandleFunc("/v0/channels", serveWebSocket)
	// Everything else is 404.
	mux.HandleFunc("/", serve404)

	if err = listenAndServe(config.Listen, mux, tlsConfig, tlsOpts.RedirectHTTP, signalHandler()); err != nil {
		logs.Err.Fatal(err)
	}
}
