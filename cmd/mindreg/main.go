package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"mindreg/internal/descriptor"
	"mindreg/internal/diagnostics"
	"mindreg/internal/pyramid"
	"mindreg/internal/rawio"
	"mindreg/pkg/regconfig"
)

func main() {
	fixedPath := flag.String("fixed", "", "Path to the fixed raw volume")
	movingPath := flag.String("moving", "", "Path to the moving raw volume")
	configPath := flag.String("config", "", "Path to a registration config (defaults applied when omitted)")
	configFormat := flag.String("config-format", "json", "Format of the config file: \"json\" or \"yaml\"")
	outputPath := flag.String("output", "registration_result.json", "Path to write the recovered parameters and run summary")
	dumpPatchDistancesDir := flag.String("dump-patch-distances", "", "If set, writes the fixed image's MIND patch-distance channels as JPEG slice stacks under this directory")
	flag.Parse()

	if *fixedPath == "" || *movingPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	fmt.Println("================================")
	fmt.Println("MIND-SSD RIGID/AFFINE VOLUME REGISTRATION")
	fmt.Println("================================")

	var cfg *regconfig.Config
	var err error
	switch *configFormat {
	case "yaml":
		cfg, err = regconfig.LoadConfigYAML(*configPath)
	case "json":
		cfg, err = regconfig.LoadConfig(*configPath)
	default:
		log.Fatalf("Unrecognized -config-format %q (must be \"json\" or \"yaml\")", *configFormat)
	}
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	fmt.Printf("Transform: %v   Metric: %v   Optimizer: %v\n", cfg.TransformType, cfg.MetricType, cfg.ResolvedOptimizer())

	fixed, err := rawio.ReadVolume(*fixedPath)
	if err != nil {
		log.Fatalf("Failed to read fixed volume: %v", err)
	}
	moving, err := rawio.ReadVolume(*movingPath)
	if err != nil {
		log.Fatalf("Failed to read moving volume: %v", err)
	}

	if *dumpPatchDistancesDir != "" {
		stack := descriptor.Build(fixed, descriptor.Params{
			Radius:       cfg.MINDRadius,
			Sigma:        cfg.MINDSigma,
			Neighborhood: cfg.MINDNeighborhoodType,
		})
		if err := diagnostics.DumpPatchDistances(stack.PatchDistances, *dumpPatchDistancesDir); err != nil {
			log.Fatalf("Failed to dump patch distances: %v", err)
		}
		fmt.Printf("Patch distance channels written to: %s\n", *dumpPatchDistancesDir)
	}

	fmt.Println("Starting registration...")
	startTime := time.Now()
	result, err := pyramid.Run(fixed, moving, cfg)
	if err != nil {
		log.Fatalf("Registration failed: %v", err)
	}
	elapsed := time.Since(startTime)

	fmt.Printf("\nRegistration completed in %.2f seconds\n", elapsed.Seconds())
	for _, lvl := range result.Levels {
		fmt.Printf("  level %d: final value=%.6g stop=%v\n", lvl.Level, lvl.FinalValue, lvl.StopCondition)
	}
	fmt.Printf("Final parameters: %v\n", result.Parameters)

	out, err := os.Create(*outputPath)
	if err != nil {
		log.Fatalf("Failed to create output file: %v", err)
	}
	defer out.Close()
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		log.Fatalf("Failed to write output: %v", err)
	}
	fmt.Printf("Result written to: %s\n", *outputPath)
}
