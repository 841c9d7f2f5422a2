package config

import "fmt"

// ContourCleanupTolerance is the area tolerance handed to contour cleanup.
const ContourCleanupTolerance = 0.0001

// ReconstructionConfig holds every option that steers a single
// reconstruction run. It is a plain value: a run copies it once at start
// and never observes later replacements.
type ReconstructionConfig struct {
	PCM           string  `json:"pcm" yaml:"pcm"`
	KN            int     `json:"kn" yaml:"kn"`
	KI            int     `json:"ki" yaml:"ki"`
	KD            int     `json:"kd" yaml:"kd"`
	Ransac        bool    `json:"ransac" yaml:"ransac"`
	RecalcNormals bool    `json:"recalc_normals" yaml:"recalc_normals"`
	Decomposition string  `json:"decomposition" yaml:"decomposition"`
	Intersections int     `json:"intersections" yaml:"intersections"`
	VoxelSize     float64 `json:"voxelsize" yaml:"voxelsize"`
	NoExtrusion   bool    `json:"no_extrusion" yaml:"no_extrusion"`

	DanglingArtifacts int `json:"dangling_artifacts" yaml:"dangling_artifacts"`
	CleanContours     int `json:"clean_contours" yaml:"clean_contours"`
	FillHoles         int `json:"fill_holes" yaml:"fill_holes"`

	OptimizePlanes       bool    `json:"optimize_planes" yaml:"optimize_planes"`
	NormalThreshold      float64 `json:"normal_threshold" yaml:"normal_threshold"`
	PlaneIterations      int     `json:"plane_iterations" yaml:"plane_iterations"`
	MinPlaneSize         int     `json:"min_plane_size" yaml:"min_plane_size"`
	SmallRegionThreshold int     `json:"small_region_threshold" yaml:"small_region_threshold"`

	GenerateTextures  bool    `json:"generate_textures" yaml:"generate_textures"`
	TexelSize         float64 `json:"texel_size" yaml:"texel_size"`
	TexMinClusterSize int     `json:"tex_min_cluster_size" yaml:"tex_min_cluster_size"`
	TexMaxClusterSize int     `json:"tex_max_cluster_size" yaml:"tex_max_cluster_size"`

	// InputLeafSize downsamples the incoming cloud on a voxel grid before
	// reconstruction. Zero disables downsampling.
	InputLeafSize float64 `json:"input_leaf_size" yaml:"input_leaf_size"`
}

// DefaultReconstructionConfig returns the values used when no config file
// overrides them.
func DefaultReconstructionConfig() ReconstructionConfig {
	return ReconstructionConfig{
		PCM:                  string(BackendFLANN),
		KN:                   10,
		KI:                   10,
		KD:                   5,
		Decomposition:        string(DecompositionPMC),
		Intersections:        -1,
		VoxelSize:            0.1,
		FillHoles:            30,
		NormalThreshold:      0.85,
		PlaneIterations:      3,
		MinPlaneSize:         7,
		SmallRegionThreshold: 10,
		TexelSize:            1.0,
		TexMinClusterSize:    100,
	}
}

// UseIntersections reports whether the grid resolution is given as a number
// of intersections along the longest side rather than a voxel edge length.
func (c ReconstructionConfig) UseIntersections() bool {
	return c.Intersections > 0
}

// Resolution returns the grid resolution and whether it is a voxel size.
func (c ReconstructionConfig) Resolution() (value float64, useVoxelsize bool) {
	if c.UseIntersections() {
		return float64(c.Intersections), false
	}
	return c.VoxelSize, true
}

// Validate checks numeric ranges. Backend and decomposition names are
// resolved by the pipeline, which decides between fatal and recoverable.
func (c ReconstructionConfig) Validate() error {
	if c.KN <= 0 || c.KI <= 0 || c.KD <= 0 {
		return fmt.Errorf("kn, ki and kd must be positive, got %d/%d/%d", c.KN, c.KI, c.KD)
	}
	if !c.UseIntersections() && c.VoxelSize <= 0 {
		return fmt.Errorf("voxelsize must be positive when intersections is not set, got %f", c.VoxelSize)
	}
	if c.DanglingArtifacts < 0 || c.CleanContours < 0 || c.FillHoles < 0 {
		return fmt.Errorf("cleanup options must be non-negative")
	}
	if c.NormalThreshold < -1 || c.NormalThreshold > 1 {
		return fmt.Errorf("normal_threshold must be between -1 and 1, got %f", c.NormalThreshold)
	}
	if c.PlaneIterations < 0 || c.MinPlaneSize < 0 || c.SmallRegionThreshold < 0 {
		return fmt.Errorf("plane options must be non-negative")
	}
	if c.GenerateTextures && c.TexelSize <= 0 {
		return fmt.Errorf("texel_size must be positive when generate_textures is set, got %f", c.TexelSize)
	}
	if c.TexMinClusterSize < 0 || c.TexMaxClusterSize < 0 {
		return fmt.Errorf("texture cluster sizes must be non-negative")
	}
	if c.InputLeafSize < 0 {
		return fmt.Errorf("input_leaf_size must be non-negative, got %f", c.InputLeafSize)
	}
	return nil
}
