package demomodel

import "fmt"

// Loader is a numpy-free Go port of testModel.py's testLoader: ndata
// synthetic inputs, each a MatSize x MatSize matrix filled with (idx+1)*10,
// with an accuracy check that replays pre/run/post in plain Go.
type Loader struct {
	data map[int]Matrix
}

// NewLoader preloads idxs, matching testLoader.preLoad.
func NewLoader(idxs []int) *Loader {
	l := &Loader{data: make(map[int]Matrix, len(idxs))}
	for _, i := range idxs {
		m := newMatrix()
		for d := range m {
			m[d] = float64(i+1) * 10
		}
		l.data[i] = m
	}
	return l
}

func (l *Loader) NData() int { return 1000 }

func (l *Loader) Get(idx int) []any {
	return []any{l.data[idx]}
}

func (l *Loader) CheckAvailable() bool { return true }

// Check replays pre → run → post against the loader's own copy of the input
// and the demo model's constants, comparing element-wise.
func (l *Loader) Check(result []any, idx int) (bool, error) {
	if len(result) != 1 {
		return false, fmt.Errorf("demomodel: check expects 1 output, got %d", len(result))
	}
	got, ok := result[0].(Matrix)
	if !ok {
		return false, fmt.Errorf("demomodel: check expects a Matrix result")
	}

	in, ok := l.data[idx]
	if !ok {
		return false, fmt.Errorf("demomodel: no preloaded data for index %d", idx)
	}

	expect := make(Matrix, len(in))
	copy(expect, in)
	for i := range expect {
		expect[i]++
	}

	consts, err := GetConstants("")
	if err != nil {
		return false, err
	}
	for i := 0; i < Depth; i++ {
		expect = matmul(expect, consts[i].(Matrix))
	}
	for i := range expect {
		expect[i]--
	}

	const tol = 0.05
	for i := range expect {
		diff := got[i] - expect[i]
		if diff < 0 {
			diff = -diff
		}
		if diff > tol*absf(expect[i]) {
			return false, nil
		}
	}
	return true, nil
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
