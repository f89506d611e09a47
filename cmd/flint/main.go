// Command flint is a small maintenance tool for a flint data directory. It
// opens the store with the same configuration file the embedding application
// uses and runs one operation against it.
//
// Usage:
//
//	flint [-config flint.yaml] [-data DIR] put KEY VALUE
//	flint [-config flint.yaml] [-data DIR] get KEY
//	flint [-config flint.yaml] [-data DIR] delete KEY
//	flint [-config flint.yaml] [-data DIR] scan [START [END]]
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/flintdb/flint/config"
	"github.com/flintdb/flint/core"
	"github.com/flintdb/flint/engine"
)

func main() {
	configPath := flag.String("config", "flint.yaml", "path to the configuration file")
	dataDir := flag.String("data", "", "data directory (overrides the config file)")
	flag.Parse()

	if err := run(*configPath, *dataDir, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, "flint:", err)
		os.Exit(1)
	}
}

func run(configPath, dataDir string, args []string) error {
	if len(args) == 0 {
		return errors.New("missing command (want put, get, delete or scan)")
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if dataDir != "" {
		cfg.Engine.DataDir = dataDir
	}

	logger, logCloser, err := cfg.BuildLogger()
	if err != nil {
		return err
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	opts, err := cfg.EngineOptions(logger)
	if err != nil {
		return err
	}
	eng, err := engine.Open(opts)
	if err != nil {
		return err
	}
	defer eng.Close()

	switch cmd, rest := args[0], args[1:]; cmd {
	case "put":
		if len(rest) != 2 {
			return errors.New("put needs exactly KEY and VALUE")
		}
		return eng.Put([]byte(rest[0]), []byte(rest[1]))
	case "get":
		if len(rest) != 1 {
			return errors.New("get needs exactly KEY")
		}
		value, err := eng.Get([]byte(rest[0]))
		if errors.Is(err, core.ErrNotFound) {
			return fmt.Errorf("key %q not found", rest[0])
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s\n", value)
		return nil
	case "delete":
		if len(rest) != 1 {
			return errors.New("delete needs exactly KEY")
		}
		return eng.Delete([]byte(rest[0]))
	case "scan":
		var startKey, endKey []byte
		if len(rest) > 0 {
			startKey = []byte(rest[0])
		}
		if len(rest) > 1 {
			endKey = []byte(rest[1])
		}
		iter, err := eng.Scan(startKey, endKey)
		if err != nil {
			return err
		}
		defer iter.Close()
		for iter.Next() {
			key, value, _, _ := iter.At()
			fmt.Printf("%s\t%s\n", key, value)
		}
		return iter.Error()
	default:
		return fmt.Errorf("unknown command %q (want put, get, delete or scan)", cmd)
	}
}
