package main

import (
	"fmt"
	"os"

	"github.com/kelpieio/kelpie"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

func main() {
	configPath := flag.StringP("config", "c", "", "path to orchestrator config file")
	logLevel := flag.StringP("log-level", "l", "warn", "log level")
	flag.Parse()

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
			"level": *logLevel,
		}).Fatal("failed to set up logging")
	}
	log.SetLevel(level)

	cfg := kelpie.DefaultConfig()
	if *configPath != "" {
		cfg, err = kelpie.LoadConfig(*configPath)
		if err != nil {
			log.WithFields(log.Fields{
				"error":  err,
				"config": *configPath,
			}).Fatal("failed to load config")
		}
	}

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: topocheck [flags] topology.yaml ...")
		os.Exit(2)
	}

	failed := false
	for _, path := range flag.Args() {
		data, err := os.ReadFile(path)
		if err != nil {
			log.WithFields(log.Fields{
				"error": err,
				"file":  path,
			}).Error("failed to read topology")
			failed = true
			continue
		}

		topo, err := kelpie.ParseTopology(data)
		if err != nil {
			fmt.Printf("%s: %s\n", path, err)
			failed = true
			continue
		}

		if _, err := kelpie.Validate(cfg, topo); err != nil {
			fmt.Printf("%s: %s\n", path, err)
			failed = true
			continue
		}
		fmt.Printf("%s: ok\n", path)
	}

	if failed {
		os.Exit(1)
	}
}
