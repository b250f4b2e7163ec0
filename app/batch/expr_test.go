package batch

import (
	"math"
	"math/rand"
	"slices"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRange(t *testing.T) {
	tbl := []struct {
		expr string
		step int
		res  []string
	}{
		{"5,10-14", 2, []string{"5", "10", "12", "14"}},
		{"5,10-14", 1, []string{"5", "10", "11", "12", "13", "14"}},
		{"1238-1242", 2, []string{"1238", "1240", "1242"}},
		{"1238-1243", 2, []string{"1238", "1240", "1242"}},
		{" 34784 ", 3, []string{"34784"}},
		{"12,10,11,10", 1, []string{"10", "11", "12"}},
		{"10-12, 11, 7-7", 1, []string{"7", "10", "11", "12"}},
		{"3,1-5", 2, []string{"1", "3", "5"}},
		{"4,1-5", 2, []string{"1", "3", "4", "5"}},
	}

	for _, tt := range tbl {
		t.Run(tt.expr, func(t *testing.T) {
			q, err := ParseRange(tt.expr, tt.step)
			require.NoError(t, err)
			assert.Equal(t, tt.res, q.Order())
			assert.Equal(t, len(tt.res), q.Len())

			popped := []string{}
			for {
				id, ok := q.Pop()
				if !ok {
					break
				}
				popped = append(popped, id)
			}
			assert.Equal(t, tt.res, popped, "popped in ascending order")
			assert.Equal(t, 0, q.Len())
		})
	}
}

func TestParseRange_Errors(t *testing.T) {
	tbl := []struct {
		expr string
		step int
	}{
		{"", 1}, {"  ", 1}, {"abc", 1}, {"5,,6", 1}, {"5,6,", 1}, {"14-10", 1}, {"10-", 1},
		{"-10", 1}, {"1-2-3", 1}, {"10-14", 0}, {"10-14", -2}, {"1.5", 1},
		{"0-2000000000", 1}, {"0-100000", 1}, {"0-99999,200000-299999", 1},
	}
	for _, tt := range tbl {
		t.Run(tt.expr, func(t *testing.T) {
			_, err := ParseRange(tt.expr, tt.step)
			assert.ErrorIs(t, err, ErrInvalidBatchSpec)
		})
	}
}

func TestParseRange_Limits(t *testing.T) {
	q, err := ParseRange("0-99999", 1)
	require.NoError(t, err)
	assert.Equal(t, MaxScans, q.Len())

	q, err = ParseRange("0-199999", 2)
	require.NoError(t, err)
	assert.Equal(t, MaxScans, q.Len())

	q, err = ParseRange(strconv.Itoa(math.MaxInt-1)+"-"+strconv.Itoa(math.MaxInt), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{strconv.Itoa(math.MaxInt - 1)}, q.Order())

	q, err = ParseRange(strconv.Itoa(math.MaxInt-4)+"-"+strconv.Itoa(math.MaxInt), 3)
	require.NoError(t, err)
	assert.Equal(t, []string{strconv.Itoa(math.MaxInt - 4), strconv.Itoa(math.MaxInt - 1)}, q.Order())
}

func TestParseRange_MatchesSortedUnion(t *testing.T) {
	rnd := rand.New(rand.NewSource(42)) //nolint:gosec
	for range 200 {
		step := rnd.Intn(4) + 1
		items, want := []string{}, map[int]bool{}
		for range rnd.Intn(5) + 1 {
			a := rnd.Intn(60)
			if rnd.Intn(2) == 0 {
				items = append(items, strconv.Itoa(a))
				want[a] = true
				continue
			}
			b := a + rnd.Intn(15)
			items = append(items, strconv.Itoa(a)+"-"+strconv.Itoa(b))
			for i := a; i <= b; i += step {
				want[i] = true
			}
		}

		expected := []int{}
		for k := range want {
			expected = append(expected, k)
		}
		slices.Sort(expected)
		expectedStr := []string{}
		for _, v := range expected {
			expectedStr = append(expectedStr, strconv.Itoa(v))
		}

		expr := strings.Join(items, ",")
		q, err := ParseRange(expr, step)
		require.NoError(t, err, expr)
		assert.Equal(t, expectedStr, q.Order(), "expr %q step %d", expr, step)
	}
}

func TestSeeds(t *testing.T) {
	s := Seeds{Probe: "S*_t1_probe.npy", Object: "S*_t1_mode_object.npy", WorkDir: "/data/hxn"}
	require.NoError(t, s.Validate())

	prb, obj := s.Resolve("34784")
	require.NotNil(t, prb)
	require.NotNil(t, obj)
	assert.Equal(t, "/data/hxn/recon_result/S34784/t1/recon_data", prb.Dir)
	assert.Equal(t, "S34784_t1_probe.npy", prb.File)
	assert.Equal(t, "/data/hxn/recon_result/S34784/t1_mode/recon_data", obj.Dir)
	assert.Equal(t, "S34784_t1_mode_object.npy", obj.File)

	prb, obj = Seeds{Probe: "recon_*_probe.npy", WorkDir: "/data"}.Resolve("7")
	assert.Equal(t, "/data/recon_result/S7/recon_data", prb.Dir, "no sign")
	assert.Equal(t, "recon_7_probe.npy", prb.File)
	assert.Nil(t, obj)

	assert.NoError(t, Seeds{}.Validate())
	assert.ErrorIs(t, Seeds{Probe: "probe.npy", WorkDir: "/data"}.Validate(), ErrInvalidBatchSpec)
	assert.ErrorIs(t, Seeds{Object: "S*_*_object.npy", WorkDir: "/data"}.Validate(), ErrInvalidBatchSpec)
	assert.ErrorIs(t, Seeds{Probe: "S*_probe.npy"}.Validate(), ErrInvalidBatchSpec)
}
