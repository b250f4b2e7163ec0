// Package param defines the reconstruction parameter set handed to the worker process.
// The set is an explicit, enumerated structure. Worker-visible fields are serialized
// in [GUI] "key = value" form, keyed by json tag, in declaration order.
package param

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrMalformed returned by Unmarshal and Import on a bad parameter file
var ErrMalformed = errors.New("malformed parameter file")

const (
	signModeSuffix       = "_mode"
	signMultisliceSuffix = "_ms"
	hcKeVnm              = 1.2398 // photon energy (keV) times wavelength (nm)
	maxGPUIndex          = 3
)

// Param is the complete parameter set of a single reconstruction
type Param struct {
	// data
	ScanNum          string `json:"scan_num" jsonschema:"description=scan identifier"`
	DetectorKind     string `json:"detectorkind"`
	FrameNum         int    `json:"frame_num" jsonschema:"minimum=0"`
	WorkingDirectory string `json:"working_directory" jsonschema:"description=directory with scan data and results"`

	// experiment geometry
	XrayEnergyKeV       float64 `json:"xray_energy_kev"`
	LambdaNM            float64 `json:"lambda_nm"`
	ZM                  float64 `json:"z_m" jsonschema:"description=detector distance in meters"`
	Nx                  int     `json:"nx"`
	DrX                 float64 `json:"dr_x"`
	XRange              float64 `json:"x_range"`
	Ny                  int     `json:"ny"`
	DrY                 float64 `json:"dr_y"`
	YRange              float64 `json:"y_range"`
	Nz                  int     `json:"nz" jsonschema:"description=number of frames"`
	ScanType            string  `json:"scan_type"`
	CCDPixelUm          float64 `json:"ccd_pixel_um"`
	Distance            float64 `json:"distance"`
	AngleCorrectionFlag bool    `json:"angle_correction_flag"`
	XDirection          float64 `json:"x_direction"`
	YDirection          float64 `json:"y_direction"`
	Angle               float64 `json:"angle"`

	// algorithm
	NIterations        int     `json:"n_iterations" jsonschema:"minimum=1"`
	AlgFlag            string  `json:"alg_flag"`
	Alg2Flag           string  `json:"alg2_flag"`
	AlgPercentage      float64 `json:"alg_percentage" jsonschema:"minimum=0,maximum=1"`
	Sign               string  `json:"sign" jsonschema:"description=result tag used in output paths"`
	Precision          string  `json:"precision" jsonschema:"enum=single,enum=double"`
	MLMode             string  `json:"ml_mode"`
	DMVersion          int     `json:"dm_version"`
	Alpha              float64 `json:"alpha"`
	Beta               float64 `json:"beta"`
	StartUpdateProbe   int     `json:"start_update_probe"`
	StartUpdateObject  int     `json:"start_update_object"`
	StartAve           float64 `json:"start_ave"`
	CalScanPatternFlag bool    `json:"cal_scan_pattern_flag"`
	Nth                int     `json:"nth"`
	CalErrorFlag       bool    `json:"cal_error_flag"`

	// probe and object seeds
	InitPrbFlag    bool   `json:"init_prb_flag"`
	InitObjFlag    bool   `json:"init_obj_flag"`
	InitObjDPCFlag bool   `json:"init_obj_dpc_flag"`
	PrbDir         string `json:"prb_dir"`
	PrbFilename    string `json:"prb_filename"`
	PrbPath        string `json:"prb_path"`
	ObjDir         string `json:"obj_dir"`
	ObjFilename    string `json:"obj_filename"`
	ObjPath        string `json:"obj_path"`

	// modes and multislice
	ModeFlag       bool    `json:"mode_flag"`
	PrbModeNum     int     `json:"prb_mode_num"`
	ObjModeNum     int     `json:"obj_mode_num"`
	MultisliceFlag bool    `json:"multislice_flag"`
	SliceNum       int     `json:"slice_num"`
	SliceSpacingM  float64 `json:"slice_spacing_m"`

	// display
	AmpMin          float64 `json:"amp_min"`
	AmpMax          float64 `json:"amp_max"`
	PhaMin          float64 `json:"pha_min"`
	PhaMax          float64 `json:"pha_max"`
	DisplayInterval int     `json:"display_interval" jsonschema:"minimum=1"`
	PreviewFlag     bool    `json:"preview_flag"`

	// computing resources
	GPUFlag     bool   `json:"gpu_flag"`
	GPUs        []int  `json:"gpus" jsonschema:"description=gpu indices 0-3"`
	MPIFilePath string `json:"mpi_file_path"`
	Processes   int    `json:"processes" jsonschema:"minimum=1"`

	// bragg geometry
	BraggFlag  bool    `json:"bragg_flag"`
	BraggTheta float64 `json:"bragg_theta"`
	BraggGamma float64 `json:"bragg_gamma"`
	BraggDelta float64 `json:"bragg_delta"`

	// partial coherence
	PCFlag    bool    `json:"pc_flag"`
	PCSigma   float64 `json:"pc_sigma"`
	PCAlg     string  `json:"pc_alg"`
	PCKernelN int     `json:"pc_kernel_n"`

	// position correction
	PositionCorrectionFlag  bool `json:"position_correction_flag"`
	PositionCorrectionStart int  `json:"position_correction_start"`
	PositionCorrectionStep  int  `json:"position_correction_step"`

	PrbCenterFlag     bool `json:"prb_center_flag"`
	MaskPrbFlag       bool `json:"mask_prb_flag"`
	WeakObjFlag       bool `json:"weak_obj_flag"`
	MeshFlag          bool `json:"mesh_flag"`
	MSPieFlag         bool `json:"ms_pie_flag"`
	SFFlag            bool `json:"sf_flag"`
	SaveConfigHistory bool `json:"save_config_history"`

	// bookkeeping filled by metadata loaders, never handed to the worker
	Points   [][2]float64   `json:"-"`
	IC       []float64      `json:"-"`
	MDSTable map[int]string `json:"-"`
}

// Default returns parameter set with the values used for a fresh session
func Default() Param {
	return Param{
		DetectorKind:            "merlin1",
		ZM:                      0.5,
		ScanType:                "fly",
		CCDPixelUm:              55,
		XDirection:              -1,
		YDirection:              -1,
		Angle:                   15,
		NIterations:             50,
		AlgFlag:                 "DM",
		Alg2Flag:                "DM",
		AlgPercentage:           0.8,
		Sign:                    "t1",
		Precision:               "single",
		MLMode:                  "Poisson",
		DMVersion:               2,
		Alpha:                   1e-8,
		Beta:                    0.9,
		StartUpdateProbe:        2,
		StartAve:                0.8,
		Nth:                     5,
		CalErrorFlag:            true,
		InitPrbFlag:             true,
		InitObjFlag:             true,
		PrbModeNum:              5,
		ObjModeNum:              1,
		SliceNum:                2,
		SliceSpacingM:           5e-6,
		AmpMin:                  0.5,
		AmpMax:                  1,
		PhaMin:                  -1,
		PhaMax:                  0.01,
		DisplayInterval:         5,
		PreviewFlag:             true,
		GPUFlag:                 true,
		GPUs:                    []int{0},
		Processes:               1,
		PCSigma:                 2,
		PCAlg:                   "lucy",
		PCKernelN:               32,
		PositionCorrectionStart: 50,
		PositionCorrectionStep:  10,
	}
}

// Validate checks fields the worker relies on before a launch
func (p Param) Validate() error {
	if strings.TrimSpace(p.ScanNum) == "" {
		return errors.New("scan_num is empty")
	}
	if strings.TrimSpace(p.WorkingDirectory) == "" {
		return errors.New("working_directory is empty")
	}
	if p.NIterations <= 0 {
		return fmt.Errorf("n_iterations must be positive, got %d", p.NIterations)
	}
	if p.DisplayInterval <= 0 {
		return fmt.Errorf("display_interval must be positive, got %d", p.DisplayInterval)
	}
	if p.Precision != "single" && p.Precision != "double" {
		return fmt.Errorf("precision must be single or double, got %q", p.Precision)
	}
	if p.AlgPercentage < 0 || p.AlgPercentage > 1 {
		return fmt.Errorf("alg_percentage must be in [0, 1], got %v", p.AlgPercentage)
	}
	if p.GPUFlag && p.MPIFilePath == "" {
		if len(p.GPUs) == 0 {
			return errors.New("gpu_flag set but no gpus selected")
		}
		for _, g := range p.GPUs {
			if g < 0 || g > maxGPUIndex {
				return fmt.Errorf("gpu index %d out of range 0-%d", g, maxGPUIndex)
			}
		}
	}
	if !p.GPUFlag && p.Processes < 1 {
		return fmt.Errorf("processes must be positive, got %d", p.Processes)
	}
	return checkStrings(p)
}

// Normalize derives dependent fields. Safe to call repeatedly.
func (p *Param) Normalize() {
	if p.XrayEnergyKeV > 0 {
		p.LambdaNM = hcKeVnm / p.XrayEnergyKeV
	}

	sign := strings.TrimSuffix(p.Sign, signMultisliceSuffix)
	sign = strings.TrimSuffix(sign, signModeSuffix)
	if p.ModeFlag {
		sign += signModeSuffix
	}
	if p.MultisliceFlag {
		sign += signMultisliceSuffix
	}
	p.Sign = sign
}

// Workers returns the number of worker processes to launch
func (p Param) Workers() int {
	if p.GPUFlag && p.MPIFilePath == "" {
		return len(p.GPUs)
	}
	if p.Processes < 1 {
		return 1
	}
	return p.Processes
}

// SetProbePath sets probe seed location
func (p *Param) SetProbePath(dir, file string) {
	p.PrbDir, p.PrbFilename = dir, file
	p.PrbPath = filepath.Join(dir, file)
}

// SetObjectPath sets object seed location
func (p *Param) SetObjectPath(dir, file string) {
	p.ObjDir, p.ObjFilename = dir, file
	p.ObjPath = filepath.Join(dir, file)
}

// Clone makes a deep copy
func (p Param) Clone() Param {
	res := p
	if p.GPUs != nil {
		res.GPUs = append([]int{}, p.GPUs...)
	}
	if p.Points != nil {
		res.Points = append([][2]float64{}, p.Points...)
	}
	if p.IC != nil {
		res.IC = append([]float64{}, p.IC...)
	}
	if p.MDSTable != nil {
		res.MDSTable = make(map[int]string, len(p.MDSTable))
		for k, v := range p.MDSTable {
			res.MDSTable[k] = v
		}
	}
	return res
}
