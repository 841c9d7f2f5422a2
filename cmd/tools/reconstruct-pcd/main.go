// Command reconstruct-pcd reconstructs a mesh from a PCD file and writes it
// to a container file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/mesh.report/internal/config"
	"github.com/banshee-data/mesh.report/internal/container"
	"github.com/banshee-data/mesh.report/internal/geometry"
	"github.com/banshee-data/mesh.report/internal/ingest"
	"github.com/banshee-data/mesh.report/internal/pipeline"
	"github.com/banshee-data/mesh.report/internal/snapshot"
)

func main() {
	in := flag.String("in", "", "Input PCD file (required)")
	out := flag.String("out", "", "Output container file (required)")
	configFile := flag.String("config", "", "Reconstruction config file (.json or .yaml)")
	frame := flag.String("frame", ingest.DefaultFrame, "Frame id recorded in the container")
	flag.Parse()

	if *in == "" || *out == "" {
		fmt.Fprintln(os.Stderr, "usage: reconstruct-pcd -in cloud.pcd -out mesh.mesh.db [-config tuning.yaml]")
		os.Exit(2)
	}

	cfg := config.DefaultReconstructionConfig()
	if *configFile != "" {
		var err error
		if cfg, err = config.LoadReconstructionConfig(*configFile); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	f, err := os.Open(*in)
	if err != nil {
		log.Fatalf("failed to open %s: %v", *in, err)
	}
	pp, err := ingest.Decode(f)
	f.Close()
	if err != nil {
		log.Fatalf("failed to read %s: %v", *in, err)
	}
	points, err := ingest.ToPointSet(pp, cfg.InputLeafSize)
	if err != nil {
		log.Fatalf("failed to convert %s: %v", *in, err)
	}

	start := time.Now()
	buf, err := pipeline.New(geometry.NewEngine(), nil).Run(context.Background(), points, cfg)
	if err != nil {
		log.Fatalf("reconstruction failed: %v", err)
	}
	snap, err := snapshot.Build(buf, uuid.NewString(), *frame, time.Now())
	if err != nil {
		log.Fatalf("invalid mesh: %v", err)
	}
	if err := container.Write(*out, snap); err != nil {
		log.Fatalf("failed to write %s: %v", *out, err)
	}
	log.Printf("reconstructed %d points into %d vertices, %d faces, %d materials, %d textures in %v; wrote %s",
		points.Len(), snap.VertexCount(), snap.FaceCount(), len(snap.Materials.Materials), len(snap.Textures),
		time.Since(start).Round(time.Millisecond), *out)
}
