package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the path to the reconstruction tuning file shipped
// with the repository.
const DefaultConfigPath = "config/reconstruction.defaults.json"

// TuningFile is the on-disk form of a ReconstructionConfig. Every field is
// optional; omitted fields keep the value of the config it is applied to,
// so partial files are safe. The schema matches PUT /api/config.
type TuningFile struct {
	// Surface
	PCM           *string  `json:"pcm,omitempty" yaml:"pcm,omitempty"`
	KN            *int     `json:"kn,omitempty" yaml:"kn,omitempty"`
	KI            *int     `json:"ki,omitempty" yaml:"ki,omitempty"`
	KD            *int     `json:"kd,omitempty" yaml:"kd,omitempty"`
	Ransac        *bool    `json:"ransac,omitempty" yaml:"ransac,omitempty"`
	RecalcNormals *bool    `json:"recalc_normals,omitempty" yaml:"recalc_normals,omitempty"`
	Decomposition *string  `json:"decomposition,omitempty" yaml:"decomposition,omitempty"`
	Intersections *int     `json:"intersections,omitempty" yaml:"intersections,omitempty"`
	VoxelSize     *float64 `json:"voxelsize,omitempty" yaml:"voxelsize,omitempty"`
	NoExtrusion   *bool    `json:"no_extrusion,omitempty" yaml:"no_extrusion,omitempty"`

	// Cleanup
	DanglingArtifacts *int `json:"dangling_artifacts,omitempty" yaml:"dangling_artifacts,omitempty"`
	CleanContours     *int `json:"clean_contours,omitempty" yaml:"clean_contours,omitempty"`
	FillHoles         *int `json:"fill_holes,omitempty" yaml:"fill_holes,omitempty"`

	// Planes
	OptimizePlanes       *bool    `json:"optimize_planes,omitempty" yaml:"optimize_planes,omitempty"`
	NormalThreshold      *float64 `json:"normal_threshold,omitempty" yaml:"normal_threshold,omitempty"`
	PlaneIterations      *int     `json:"plane_iterations,omitempty" yaml:"plane_iterations,omitempty"`
	MinPlaneSize         *int     `json:"min_plane_size,omitempty" yaml:"min_plane_size,omitempty"`
	SmallRegionThreshold *int     `json:"small_region_threshold,omitempty" yaml:"small_region_threshold,omitempty"`

	// Textures
	GenerateTextures  *bool    `json:"generate_textures,omitempty" yaml:"generate_textures,omitempty"`
	TexelSize         *float64 `json:"texel_size,omitempty" yaml:"texel_size,omitempty"`
	TexMinClusterSize *int     `json:"tex_min_cluster_size,omitempty" yaml:"tex_min_cluster_size,omitempty"`
	TexMaxClusterSize *int     `json:"tex_max_cluster_size,omitempty" yaml:"tex_max_cluster_size,omitempty"`

	InputLeafSize *float64 `json:"input_leaf_size,omitempty" yaml:"input_leaf_size,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// LoadTuningFile loads a TuningFile from a JSON or YAML file.
// The file must have a .json, .yaml or .yml extension and be under 1MB.
func LoadTuningFile(path string) (*TuningFile, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	tf := &TuningFile{}
	if ext == ".json" {
		err = json.Unmarshal(data, tf)
	} else {
		err = yaml.Unmarshal(data, tf)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filepath.Base(cleanPath), err)
	}
	return tf, nil
}

// LoadReconstructionConfig loads path and applies it over the defaults.
// The result is validated.
func LoadReconstructionConfig(path string) (ReconstructionConfig, error) {
	tf, err := LoadTuningFile(path)
	if err != nil {
		return ReconstructionConfig{}, err
	}
	cfg := tf.Apply(DefaultReconstructionConfig())
	if err := cfg.Validate(); err != nil {
		return ReconstructionConfig{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Apply returns base with every field set in t overridden.
func (t *TuningFile) Apply(base ReconstructionConfig) ReconstructionConfig {
	out := base
	setString(&out.PCM, t.PCM)
	setInt(&out.KN, t.KN)
	setInt(&out.KI, t.KI)
	setInt(&out.KD, t.KD)
	setBool(&out.Ransac, t.Ransac)
	setBool(&out.RecalcNormals, t.RecalcNormals)
	setString(&out.Decomposition, t.Decomposition)
	setInt(&out.Intersections, t.Intersections)
	setFloat(&out.VoxelSize, t.VoxelSize)
	setBool(&out.NoExtrusion, t.NoExtrusion)

	setInt(&out.DanglingArtifacts, t.DanglingArtifacts)
	setInt(&out.CleanContours, t.CleanContours)
	setInt(&out.FillHoles, t.FillHoles)

	setBool(&out.OptimizePlanes, t.OptimizePlanes)
	setFloat(&out.NormalThreshold, t.NormalThreshold)
	setInt(&out.PlaneIterations, t.PlaneIterations)
	setInt(&out.MinPlaneSize, t.MinPlaneSize)
	setInt(&out.SmallRegionThreshold, t.SmallRegionThreshold)

	setBool(&out.GenerateTextures, t.GenerateTextures)
	setFloat(&out.TexelSize, t.TexelSize)
	setInt(&out.TexMinClusterSize, t.TexMinClusterSize)
	setInt(&out.TexMaxClusterSize, t.TexMaxClusterSize)

	setFloat(&out.InputLeafSize, t.InputLeafSize)
	return out
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
