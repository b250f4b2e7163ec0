package param

import (
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal(t *testing.T) {
	p := validParam()
	p.GPUs = []int{0, 1}
	p.Points = [][2]float64{{1, 2}}
	p.IC = []float64{1}
	p.MDSTable = map[int]string{0: "key"}

	data, err := Marshal(p)
	require.NoError(t, err)
	text := string(data)
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	assert.Equal(t, "[GUI]", lines[0])
	assert.Equal(t, "scan_num = 34784", lines[1], "declaration order")
	assert.Len(t, lines, len(Keys())+1)

	assert.Contains(t, text, "\ngpus = [0, 1]\n")
	assert.Contains(t, text, "\ninit_prb_flag = True\n")
	assert.Contains(t, text, "\nmode_flag = False\n")
	assert.Contains(t, text, "\nalpha = 1e-08\n")
	assert.Contains(t, text, "\nz_m = 0.5\n")
	assert.Contains(t, text, "\namp_max = 1.0\n")
	assert.Contains(t, text, "\nmpi_file_path = \n")
	for _, excluded := range []string{"points", "ic", "mds_table"} {
		assert.NotContains(t, text, "\n"+excluded+" = ")
	}

	again, err := Marshal(p)
	require.NoError(t, err)
	assert.Equal(t, data, again, "deterministic")

	p.AlgFlag = "DM\nscan_num = 1"
	_, err = Marshal(p)
	assert.Error(t, err)
}

func TestMarshalUnmarshal_RoundTrip(t *testing.T) {
	rnd := rand.New(rand.NewSource(42)) //nolint:gosec
	for i := range 50 {
		p := randomParam(rnd)
		data, err := Marshal(p)
		require.NoError(t, err)
		res, err := Unmarshal(data, Param{})
		require.NoError(t, err, "iteration %d", i)
		assert.Equal(t, p, res, "iteration %d", i)
	}

	// bookkeeping never survives a round trip
	p := validParam()
	p.MDSTable = map[int]string{1: "x"}
	data, err := Marshal(p)
	require.NoError(t, err)
	res, err := Unmarshal(data, Param{})
	require.NoError(t, err)
	assert.Nil(t, res.MDSTable)
	p.MDSTable = nil
	assert.Equal(t, p, res)
}

func TestUnmarshal(t *testing.T) {
	prior := validParam()

	t.Run("partial set keeps prior values", func(t *testing.T) {
		res, err := Unmarshal([]byte("[GUI]\nn_iterations = 500\ngpus = [1, 2]\nprb_filename = None\n"), prior)
		require.NoError(t, err)
		assert.Equal(t, 500, res.NIterations)
		assert.Equal(t, []int{1, 2}, res.GPUs)
		assert.Equal(t, "", res.PrbFilename)
		assert.Equal(t, prior.ScanNum, res.ScanNum)
		assert.Equal(t, 50, prior.NIterations, "prior untouched")
	})

	t.Run("unknown keys and other sections ignored", func(t *testing.T) {
		data := "# comment\n[GUI]\nfuture_knob = 7\nbeta = 0.5\n[OTHER]\nbeta = 0.1\n; comment\n"
		res, err := Unmarshal([]byte(data), prior)
		require.NoError(t, err)
		assert.InDelta(t, 0.5, res.Beta, 1e-12)
	})

	t.Run("tuple list and lowercase bool", func(t *testing.T) {
		res, err := Unmarshal([]byte("[GUI]\ngpus = (0, 3,)\ngpu_flag = false\n"), prior)
		require.NoError(t, err)
		assert.Equal(t, []int{0, 3}, res.GPUs)
		assert.False(t, res.GPUFlag)
	})

	bad := map[string]string{
		"no section":      "n_iterations = 10\n",
		"empty":           "",
		"only other":      "[OTHER]\nx = 1\n",
		"no equal sign":   "[GUI]\nn_iterations 10\n",
		"bad int":         "[GUI]\nn_iterations = ten\n",
		"bad float":       "[GUI]\nalpha = 1e-x\n",
		"bad bool":        "[GUI]\ngpu_flag = yes\n",
		"bad list":        "[GUI]\ngpus = 0, 1\n",
		"bad list item":   "[GUI]\ngpus = [0, a]\n",
		"bad header":      "[GUI\nalpha = 1\n",
		"error after set": "[GUI]\nn_iterations = 10\nnth = x\n",
	}
	for name, data := range bad {
		t.Run(name, func(t *testing.T) {
			res, err := Unmarshal([]byte(data), prior)
			require.ErrorIs(t, err, ErrMalformed)
			assert.Equal(t, prior, res)
		})
	}
}

func TestImportExport(t *testing.T) {
	dir := t.TempDir()
	p := validParam()
	p.NIterations = 321

	fname := filepath.Join(dir, "params.txt")
	require.NoError(t, Export(fname, p))

	res, err := Import(fname, Default())
	require.NoError(t, err)
	assert.Equal(t, p, res)

	bad := filepath.Join(dir, "bad.txt")
	require.NoError(t, os.WriteFile(bad, []byte("garbage\n"), 0o600))
	res, err = Import(bad, p)
	require.ErrorIs(t, err, ErrMalformed)
	assert.Equal(t, p, res)

	_, err = Import(filepath.Join(dir, "missing.txt"), p)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestWriteSnapshot(t *testing.T) {
	dir := t.TempDir()
	fname := filepath.Join(dir, ".ptycho_gui_config")
	p := validParam()

	require.NoError(t, WriteSnapshot(fname, p))
	p.NIterations = 7
	require.NoError(t, WriteSnapshot(fname, p), "superseded by the next snapshot")

	data, err := os.ReadFile(fname)
	require.NoError(t, err)
	assert.Contains(t, string(data), "\nn_iterations = 7\n")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left")

	err = WriteSnapshot(filepath.Join(dir, "no-such-dir", "cfg"), p)
	assert.Error(t, err)
}

// randomParam fills every worker-visible field with random values
func randomParam(rnd *rand.Rand) Param {
	p := Param{}
	rv := reflect.ValueOf(&p).Elem()
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_/.-"
	for _, f := range paramFields() {
		v := rv.Field(f.index)
		switch v.Kind() {
		case reflect.String:
			b := make([]byte, rnd.Intn(12))
			for i := range b {
				b[i] = letters[rnd.Intn(len(letters))]
			}
			v.SetString(string(b))
		case reflect.Bool:
			v.SetBool(rnd.Intn(2) == 1)
		case reflect.Int:
			v.SetInt(int64(rnd.Intn(200000) - 100000))
		case reflect.Float64:
			switch rnd.Intn(3) {
			case 0:
				v.SetFloat(rnd.NormFloat64() * 1e-7)
			case 1:
				v.SetFloat(float64(rnd.Intn(1000)))
			default:
				v.SetFloat(rnd.Float64() * 1e9)
			}
		case reflect.Slice:
			items := make([]int, 1+rnd.Intn(4))
			for i := range items {
				items[i] = rnd.Intn(4)
			}
			v.Set(reflect.ValueOf(items))
		}
	}
	return p
}
