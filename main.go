package main

import (
	"flag"
	"net/http"
	"strings"

	"bq-webdav/core"
	"bq-webdav/fsbackend"
	"bq-webdav/membackend"

	"github.com/BurntSushi/toml"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
)

type config struct {
	Listen        string `toml:"listen"`
	Prefix        string `toml:"prefix"`
	Backend       string `toml:"backend"`
	Memory        bool   `toml:"memory"`
	Debug         bool   `toml:"debug"`
	DepthInfinity bool   `toml:"depth_infinity"`
}

func init() {
	// chi refuses methods it does not know about
	for _, m := range []string{"PROPFIND", "PROPPATCH", "MKCOL", "COPY", "MOVE", "LOCK", "UNLOCK"} {
		chi.RegisterMethod(m)
	}
}

var config_flag = flag.String("config", "", "path to a TOML config file")
var backend_location_flag = flag.String("backend", "backend", "backend location")
var listen_address_flag = flag.String("listen", "127.0.0.1:8282", "listen address")
var prefix_flag = flag.String("prefix", "/", "URL prefix the tree is served under")
var memory_flag = flag.Bool("mem", false, "serve an in-memory tree instead of a directory")
var debug_flag = flag.Bool("debug", false, "log every request")
var depth_infinity_flag = flag.Bool("depth-infinity", false, "allow Depth: infinity PROPFIND on collections")

func loadConfig() config {
	cfg := config{
		Listen:        *listen_address_flag,
		Prefix:        *prefix_flag,
		Backend:       *backend_location_flag,
		Memory:        *memory_flag,
		Debug:         *debug_flag,
		DepthInfinity: *depth_infinity_flag,
	}
	if *config_flag != "" {
		if _, e := toml.DecodeFile(*config_flag, &cfg); e != nil {
			log.Fatalf("config %s: %v", *config_flag, e)
		}
	}
	// flags given on the command line win over the file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Listen = *listen_address_flag
		case "prefix":
			cfg.Prefix = *prefix_flag
		case "backend":
			cfg.Backend = *backend_location_flag
		case "mem":
			cfg.Memory = *memory_flag
		case "debug":
			cfg.Debug = *debug_flag
		case "depth-infinity":
			cfg.DepthInfinity = *depth_infinity_flag
		}
	})
	if !strings.HasPrefix(cfg.Prefix, "/") {
		cfg.Prefix = "/" + cfg.Prefix
	}
	cfg.Prefix = strings.TrimSuffix(cfg.Prefix, "/")
	return cfg
}

func main() {
	flag.Parse()
	cfg := loadConfig()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}

	var fs core.FileSystem
	if cfg.Memory {
		fs = membackend.New()
	} else {
		var e error
		if fs, e = fsbackend.New(cfg.Backend); e != nil {
			log.Fatalf("backend %s: %v", cfg.Backend, e)
		}
	}

	wrapper := &core.Wrapper{
		Handler: &core.Handler{
			Prefix:             cfg.Prefix,
			FileSystem:         fs,
			Locks:              core.NewLockSystem(),
			AllowDepthInfinity: cfg.DepthInfinity,
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if cfg.Prefix == "" {
		r.Handle("/*", wrapper)
	} else {
		r.Handle(cfg.Prefix, wrapper)
		r.Handle(cfg.Prefix+"/*", wrapper)
	}

	log.Infof("Starting WebDAV server on %s%s", cfg.Listen, cfg.Prefix)
	log.Fatal(http.ListenAndServe(cfg.Listen, r))
}
