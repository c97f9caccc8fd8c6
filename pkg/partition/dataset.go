package partition

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"maps"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
)

const (
	DefaultLabelColumn = "target"
	// MaxDenseLabel is the largest integer label used directly as a class
	// index.
	MaxDenseLabel = 1 << 16
)

var (
	ErrEmptyDataset   = errors.New("dataset has no rows")
	ErrMissingLabel   = errors.New("label column not found")
	ErrMalformedRow   = errors.New("malformed dataset row")
	ErrInvalidSplit   = errors.New("test fraction must be in [0, 1)")
	ErrFeatureMissing = errors.New("row feature count does not match header")
)

// Row is one labeled sample. Index is its position in the source dataset
// and is what partitions are checked against.
type Row struct {
	Index    int       `json:"index"`
	Features []float64 `json:"features"`
	Label    int       `json:"label"`
}

type Dataset struct {
	Columns     []string `json:"columns"`
	LabelColumn string   `json:"label_column"`
	// Labels maps class indexes back to their textual value in the source.
	Labels []string `json:"labels"`
	Rows   []Row    `json:"rows"`
}

func (ds Dataset) NumFeatures() int {
	return len(ds.Columns)
}

// Classes returns the sorted distinct labels present in the dataset.
func (ds Dataset) Classes() []int {
	seen := map[int]struct{}{}
	for _, r := range ds.Rows {
		seen[r.Label] = struct{}{}
	}
	classes := make([]int, 0, len(seen))
	for c := range seen {
		classes = append(classes, c)
	}
	slices.Sort(classes)

	return classes
}

// Indexed returns ds with every label written as its class index, so that
// files saved from it load back into the same class space.
func (ds Dataset) Indexed() Dataset {
	n := ds.NumClasses()
	ds.Labels = make([]string, n)
	for i := range n {
		ds.Labels[i] = strconv.Itoa(i)
	}

	return ds
}

// NumClasses returns one more than the largest label, so that labels can
// be used directly as output indexes.
func (ds Dataset) NumClasses() int {
	n := len(ds.Labels)
	for _, r := range ds.Rows {
		n = max(n, r.Label+1)
	}

	return n
}

// LoadCSV reads a headed CSV file. Every column other than labelColumn is a
// numeric feature. Integer labels in [0, MaxDenseLabel] are used as class
// indexes. Other integer labels are indexed in ascending order and text
// labels in order of first appearance.
func LoadCSV(r io.Reader, labelColumn string) (Dataset, error) {
	if labelColumn == "" {
		labelColumn = DefaultLabelColumn
	}

	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Dataset{}, ErrEmptyDataset
		}

		return Dataset{}, fmt.Errorf("failed to read header: %w", err)
	}

	labelIdx := slices.Index(header, labelColumn)
	if labelIdx < 0 {
		return Dataset{}, fmt.Errorf("%w: %q", ErrMissingLabel, labelColumn)
	}

	ds := Dataset{LabelColumn: labelColumn}
	for i, c := range header {
		if i != labelIdx {
			ds.Columns = append(ds.Columns, c)
		}
	}

	records, err := cr.ReadAll()
	if err != nil {
		return Dataset{}, fmt.Errorf("%w: %w", ErrMalformedRow, err)
	}
	if len(records) == 0 {
		return Dataset{}, ErrEmptyDataset
	}

	rawLabels := make([]string, len(records))
	numeric := true
	for i, rec := range records {
		rawLabels[i] = rec[labelIdx]
		if _, err := strconv.Atoi(rec[labelIdx]); err != nil {
			numeric = false
		}
	}
	labelOf := factorize(rawLabels, numeric, &ds)

	ds.Rows = make([]Row, len(records))
	for i, rec := range records {
		features := make([]float64, 0, len(header)-1)
		for j, v := range rec {
			if j == labelIdx {
				continue
			}
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return Dataset{}, fmt.Errorf("%w: line %d column %q: %w", ErrMalformedRow, i+2, header[j], err)
			}
			features = append(features, f)
		}
		ds.Rows[i] = Row{Index: i, Features: features, Label: labelOf(rawLabels[i])}
	}

	return ds, nil
}

// factorize maps raw labels to class indexes and fills ds.Labels. Integer
// labels in [0, MaxDenseLabel] keep their value so that files holding a
// subset of the classes agree on indexes. Other integer labels are indexed
// in ascending numeric order and text labels in order of appearance.
func factorize(raw []string, numeric bool, ds *Dataset) func(string) int {
	if numeric {
		seen := map[int]struct{}{}
		for _, v := range raw {
			n, _ := strconv.Atoi(v)
			seen[n] = struct{}{}
		}
		values := slices.Sorted(maps.Keys(seen))
		if values[0] >= 0 && values[len(values)-1] <= MaxDenseLabel {
			ds.Labels = make([]string, values[len(values)-1]+1)
			for i := range ds.Labels {
				ds.Labels[i] = strconv.Itoa(i)
			}

			return func(s string) int {
				n, _ := strconv.Atoi(s)
				return n
			}
		}

		index := make(map[int]int, len(values))
		ds.Labels = make([]string, len(values))
		for i, n := range values {
			index[n] = i
			ds.Labels[i] = strconv.Itoa(n)
		}

		return func(s string) int {
			n, _ := strconv.Atoi(s)
			return index[n]
		}
	}

	index := map[string]int{}
	for _, v := range raw {
		if _, ok := index[v]; !ok {
			index[v] = len(ds.Labels)
			ds.Labels = append(ds.Labels, v)
		}
	}

	return func(s string) int { return index[s] }
}

func LoadCSVFile(path, labelColumn string) (Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return Dataset{}, err
	}
	defer f.Close()

	return LoadCSV(f, labelColumn)
}

// WriteCSV writes rows with the dataset's columns and the label column last.
func WriteCSV(w io.Writer, ds Dataset, rows []Row) error {
	cw := csv.NewWriter(w)
	label := ds.LabelColumn
	if label == "" {
		label = DefaultLabelColumn
	}
	if err := cw.Write(append(slices.Clone(ds.Columns), label)); err != nil {
		return err
	}

	record := make([]string, len(ds.Columns)+1)
	for _, r := range rows {
		if len(r.Features) != len(ds.Columns) {
			return fmt.Errorf("%w: row %d", ErrFeatureMissing, r.Index)
		}
		for j, f := range r.Features {
			record[j] = strconv.FormatFloat(f, 'g', -1, 64)
		}
		record[len(record)-1] = labelText(ds, r.Label)
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()

	return cw.Error()
}

func labelText(ds Dataset, label int) string {
	if label >= 0 && label < len(ds.Labels) {
		return ds.Labels[label]
	}

	return strconv.Itoa(label)
}

func ClientFileName(i int) string {
	return fmt.Sprintf("client_%d_data.csv", i)
}

// SaveClients writes one CSV per partition into dir and returns the paths.
func SaveClients(dir string, ds Dataset, parts []Partition) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	paths := make([]string, len(parts))
	for i, p := range parts {
		paths[i] = filepath.Join(dir, ClientFileName(i))
		if err := writeFile(paths[i], ds, p.Rows); err != nil {
			return nil, err
		}
	}

	return paths, nil
}

func SaveRows(path string, ds Dataset, rows []Row) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return writeFile(path, ds, rows)
}

func writeFile(path string, ds Dataset, rows []Row) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteCSV(f, ds, rows); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	return f.Close()
}

// Normalize rescales every feature column to [0, 1]. Constant columns
// become zero.
func Normalize(ds Dataset) Dataset {
	out := ds
	out.Rows = make([]Row, len(ds.Rows))
	if len(ds.Rows) == 0 {
		return out
	}

	nf := len(ds.Rows[0].Features)
	lo := make([]float64, nf)
	hi := make([]float64, nf)
	for j := range nf {
		lo[j], hi[j] = math.Inf(1), math.Inf(-1)
	}
	for _, r := range ds.Rows {
		for j, v := range r.Features {
			lo[j] = math.Min(lo[j], v)
			hi[j] = math.Max(hi[j], v)
		}
	}

	for i, r := range ds.Rows {
		features := make([]float64, len(r.Features))
		for j, v := range r.Features {
			if span := hi[j] - lo[j]; span > 0 {
				features[j] = (v - lo[j]) / span
			}
		}
		out.Rows[i] = Row{Index: r.Index, Features: features, Label: r.Label}
	}

	return out
}
