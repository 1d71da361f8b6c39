// scenes is a read-only inspection tool for the scene store: it lists every
// scene, or dumps one scene with its networks, gateways, and terminals.
package main

import (
	"encoding/json"
	"fmt"

	"github.com/kelpieio/kelpie"
	"github.com/kelpieio/kelpie/pkg/kv"
	_ "github.com/kelpieio/kelpie/pkg/kv/consul"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

func main() {
	storeAddr := flag.StringP("kv", "k", "consul://127.0.0.1:8500", "address of the kv store")
	jsonOut := flag.BoolP("json", "j", false, "output full records as json")
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

	store, err := kv.New(*storeAddr)
	if err != nil {
		log.WithFields(log.Fields{
			"error":   err,
			"address": *storeAddr,
		}).Fatal("failed to connect to kv store")
	}
	ctx := kelpie.NewContext(store, nil)

	if flag.NArg() > 0 {
		for _, id := range flag.Args() {
			if err := showScene(ctx, id, *jsonOut); err != nil {
				log.WithFields(log.Fields{
					"error": err,
					"scene": id,
				}).Fatal("failed to load scene")
			}
		}
		return
	}

	err = ctx.ForEachScene(func(s *kelpie.Scene) error {
		if *jsonOut {
			return printJSON(s)
		}
		fmt.Printf("%s\t%s\t%s\n", s.ID, s.Name, s.Status)
		return nil
	})
	if err != nil {
		log.WithField("error", err).Fatal("failed to list scenes")
	}
}

func showScene(ctx *kelpie.Context, id string, jsonOut bool) error {
	scene, err := ctx.Scene(id)
	if err != nil {
		return err
	}

	nets, err := scene.Nets()
	if err != nil {
		return err
	}
	gateways, err := scene.Gateways()
	if err != nil {
		return err
	}
	terminals, err := scene.Terminals()
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(map[string]interface{}{
			"scene":     scene,
			"nets":      nets,
			"gateways":  gateways,
			"terminals": terminals,
		})
	}

	fmt.Printf("%s\t%s\t%s\n", scene.ID, scene.Name, scene.Status)
	for _, n := range nets {
		fmt.Printf("  net\t%s\t%s\t%s\n", n.SubID, n.CIDR, n.NetID)
	}
	for _, g := range gateways {
		fmt.Printf("  gateway\t%s\t%s\t%s\n", g.SubID, g.Type, g.RouterID)
	}
	for _, t := range terminals {
		fmt.Printf("  terminal\t%s\t%s\t%s\n", t.SubID, t.Status, t.ServerID)
	}
	return nil
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
