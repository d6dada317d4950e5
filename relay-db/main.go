// Command relay-db creates or resets the message history database of the configured adapter.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"os"

	_ "github.com/directim/relay/server/db/mongodb"
	_ "github.com/directim/relay/server/db/mysql"
	_ "github.com/directim/relay/server/db/postgres"
	_ "github.com/directim/relay/server/db/rethinkdb"
	"github.com/directim/relay/server/logs"
	"github.com/directim/relay/server/store"
	"github.com/directim/relay/server/store/types"
	jcr "github.com/tinode/jsonco"
)

type configType struct {
	StoreConfig json.RawMessage `json:"store_config"`
}

// Action to take given the result of opening the database.
type action int

const (
	actionNone action = iota
	actionCreate
	actionReset
)

// decide picks the action from the error returned by store.Open.
func decide(openErr error, reset, noInit bool) (action, error) {
	switch {
	case openErr == nil:
		if reset {
			return actionReset, nil
		}
		return actionNone, nil
	case errors.Is(openErr, types.ErrDbNotInitialized):
		if noInit {
			return actionNone, errors.New("database not found")
		}
		return actionCreate, nil
	case errors.Is(openErr, types.ErrDbVersion):
		if reset {
			return actionReset, nil
		}
		return actionNone, errors.New("wrong DB version, use -reset to drop and recreate the database")
	default:
		return actionNone, openErr
	}
}

func loadConfig(path string) (*configType, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var config configType
	jr := jcr.New(file)
	if err = json.NewDecoder(jr).Decode(&config); err != nil {
		switch jerr := err.(type) {
		case *json.UnmarshalTypeError:
			lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
			logs.Err.Printf("Unmarshall error in config file in %s at %d:%d (offset %d bytes)",
				jerr.Field, lnum, cnum, jerr.Offset)
		case *json.SyntaxError:
			lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
			logs.Err.Printf("Syntax error in config file at %d:%d (offset %d bytes)",
				lnum, cnum, jerr.Offset)
		}
		return nil, err
	}
	return &config, nil
}

func main() {
	reset := flag.Bool("reset", false, "force database reset")
	noInit := flag.Bool("no_init", false, "check that database exists but don't create if missing")
	conffile := flag.String("config", "./relay.conf", "config of the database connection")
	flag.Parse()

	config, err := loadConfig(*conffile)
	if err != nil {
		logs.Err.Fatalln("Failed to read config file:", err)
	}

	err = store.Store.Open(1, config.StoreConfig)
	defer store.Store.Close()

	if !store.Store.IsOpen() && err == nil {
		logs.Err.Fatalln("No database adapter is configured in", *conffile)
	}
	logs.Info.Println("Database adapter", store.Store.GetAdapterName(), store.Store.GetAdapterVersion())

	act, err := decide(err, *reset, *noInit)
	if err != nil {
		logs.Err.Fatalln("Failed to init DB adapter:", err)
	}

	switch act {
	case actionNone:
		logs.Info.Println("Database exists, DB version is correct. All done.")
		return
	case actionCreate:
		logs.Info.Println("Database not found. Creating.")
	case actionReset:
		logs.Info.Println("Dropping and recreating the database, DB version was", store.Store.GetDbVersion())
	}

	// The adapter is already open.
	if err = store.Store.InitDb(nil, act == actionReset); err != nil {
		logs.Err.Fatalln("Failed to init DB:", err)
	}
	logs.Info.Println("Database initialized, version", store.Store.GetDbVersion())
}
