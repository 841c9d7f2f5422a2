// Command mesh-stats summarises a mesh container file and plots the number
// of faces assigned to each material.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/mesh.report/internal/container"
	"github.com/banshee-data/mesh.report/internal/snapshot"
)

func main() {
	in := flag.String("in", "", "Container file (required)")
	pngOut := flag.String("png", "", "Write a faces-per-material bar chart to this PNG file")
	flag.Parse()

	if *in == "" {
		fmt.Fprintln(os.Stderr, "usage: mesh-stats -in mesh.mesh.db [-png faces.png]")
		os.Exit(2)
	}
	snap, err := container.Load(*in, "stats")
	if err != nil {
		log.Fatalf("failed to load %s: %v", *in, err)
	}
	meta, err := container.Metadata(*in)
	if err != nil {
		log.Fatalf("failed to read metadata: %v", err)
	}

	counts := facesPerMaterial(snap)
	writeSummary(os.Stdout, *in, meta, snap, counts)

	if *pngOut != "" {
		if err := plotFaces(counts, *pngOut); err != nil {
			log.Fatalf("failed to plot: %v", err)
		}
		fmt.Printf("wrote %s\n", *pngOut)
	}
}

// facesPerMaterial counts faces per material index. It returns nil when the
// mesh has no face material assignment.
func facesPerMaterial(snap *snapshot.Snapshot) []int {
	if len(snap.Materials.FaceMaterials) == 0 {
		return nil
	}
	counts := make([]int, len(snap.Materials.Materials))
	for _, m := range snap.Materials.FaceMaterials {
		counts[m]++
	}
	return counts
}

func writeSummary(w io.Writer, path string, meta map[string]string, snap *snapshot.Snapshot, counts []int) {
	fmt.Fprintf(w, "container: %s\n", path)
	for _, k := range []string{"uuid", "frame_id", "stamp"} {
		if v, ok := meta[k]; ok {
			fmt.Fprintf(w, "%-10s %s\n", k+":", v)
		}
	}
	fmt.Fprintf(w, "vertices:  %d\n", snap.VertexCount())
	fmt.Fprintf(w, "faces:     %d\n", snap.FaceCount())
	fmt.Fprintf(w, "colours:   %d\n", len(snap.VertexColors.Colors))
	fmt.Fprintf(w, "materials: %d\n", len(snap.Materials.Materials))
	for i, tex := range snap.Textures {
		fmt.Fprintf(w, "texture %d: %dx%d, %d channels\n", i, tex.Width, tex.Height, tex.Channels)
	}
	for i, n := range counts {
		m := snap.Materials.Materials[i]
		tex := "-"
		if m.HasTexture {
			tex = strconv.FormatUint(uint64(m.TextureIndex), 10)
		}
		fmt.Fprintf(w, "material %d: %d faces, texture %s\n", i, n, tex)
	}
}

func plotFaces(counts []int, path string) error {
	if len(counts) == 0 {
		return fmt.Errorf("mesh has no face materials")
	}
	values := make(plotter.Values, len(counts))
	names := make([]string, len(counts))
	for i, n := range counts {
		values[i] = float64(n)
		names[i] = strconv.Itoa(i)
	}

	p := plot.New()
	p.Title.Text = "Faces per material"
	p.X.Label.Text = "Material"
	p.Y.Label.Text = "Faces"

	bars, err := plotter.NewBarChart(values, vg.Points(12))
	if err != nil {
		return err
	}
	bars.LineStyle.Width = vg.Length(0)
	p.Add(bars)
	p.NominalX(names...)

	width := vg.Length(len(counts))*vg.Points(18) + 2*vg.Inch
	if width < 6*vg.Inch {
		width = 6 * vg.Inch
	}
	return p.Save(width, 4*vg.Inch, path)
}
