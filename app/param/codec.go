package param

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	log "github.com/go-pkgz/lgr"
)

const sectionName = "GUI"

type paramField struct {
	key   string
	index int
}

// paramFields lists worker-visible fields in declaration order
func paramFields() []paramField {
	t := reflect.TypeOf(Param{})
	res := make([]paramField, 0, t.NumField())
	for i := range t.NumField() {
		key, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if key == "" || key == "-" {
			continue
		}
		res = append(res, paramField{key: key, index: i})
	}
	return res
}

// Keys returns worker-visible keys in serialization order
func Keys() []string {
	fields := paramFields()
	res := make([]string, 0, len(fields))
	for _, f := range fields {
		res = append(res, f.key)
	}
	return res
}

// Marshal serializes worker-visible fields as [GUI] section. Output is deterministic.
// Strings accepted by Validate read back unchanged.
func Marshal(p Param) ([]byte, error) {
	buf := bytes.Buffer{}
	buf.WriteString("[" + sectionName + "]\n")
	rv := reflect.ValueOf(p)
	for _, f := range paramFields() {
		val, err := formatValue(rv.Field(f.index))
		if err != nil {
			return nil, fmt.Errorf("can't format %s: %w", f.key, err)
		}
		buf.WriteString(f.key + " = " + val + "\n")
	}
	return buf.Bytes(), nil
}

// checkStrings rejects string values which can't be read back as written: the None literal,
// surrounding spaces and line breaks.
func checkStrings(p Param) error {
	rv := reflect.ValueOf(p)
	for _, f := range paramFields() {
		v := rv.Field(f.index)
		if v.Kind() != reflect.String {
			continue
		}
		s := v.String()
		switch {
		case s == "None":
			return fmt.Errorf("%s can't be None", f.key)
		case s != strings.TrimSpace(s):
			return fmt.Errorf("%s has leading or trailing spaces", f.key)
		case strings.ContainsAny(s, "\r\n"):
			return fmt.Errorf("%s has line breaks", f.key)
		}
	}
	return nil
}

// Unmarshal applies [GUI] section from data on top of prior. Unknown keys and other sections
// are ignored. On error prior returned as-is.
func Unmarshal(data []byte, prior Param) (Param, error) {
	res := prior.Clone()
	rv := reflect.ValueOf(&res).Elem()

	index := map[string]int{}
	for _, f := range paramFields() {
		index[f.key] = f.index
	}

	inSection, hasSection := false, false
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			if !strings.HasSuffix(line, "]") {
				return prior, fmt.Errorf("%w: line %d: bad section header %q", ErrMalformed, lineNum, line)
			}
			inSection = strings.TrimSpace(line[1:len(line)-1]) == sectionName
			hasSection = hasSection || inSection
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			return prior, fmt.Errorf("%w: line %d: no '=' in %q", ErrMalformed, lineNum, line)
		}
		if !inSection {
			if !hasSection {
				return prior, fmt.Errorf("%w: line %d: key outside of [%s] section", ErrMalformed, lineNum, sectionName)
			}
			continue // other section
		}
		key, val = strings.TrimSpace(key), strings.TrimSpace(val)
		idx, found := index[key]
		if !found {
			log.Printf("[DEBUG] unknown parameter %q ignored", key)
			continue
		}
		if err := parseValue(val, rv.Field(idx)); err != nil {
			return prior, fmt.Errorf("%w: line %d: %s: %v", ErrMalformed, lineNum, key, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return prior, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !hasSection {
		return prior, fmt.Errorf("%w: no [%s] section", ErrMalformed, sectionName)
	}
	return res, nil
}

// Import reads parameter file on top of prior
func Import(path string, prior Param) (Param, error) {
	data, err := os.ReadFile(path) // nolint gosec
	if err != nil {
		return prior, fmt.Errorf("can't read parameters from %s: %w", path, err)
	}
	res, err := Unmarshal(data, prior)
	if err != nil {
		return prior, fmt.Errorf("can't import %s: %w", path, err)
	}
	log.Printf("[INFO] parameters loaded from %s", path)
	return res, nil
}

// Export writes parameter file
func Export(path string, p Param) error {
	data, err := Marshal(p)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("can't write parameters to %s: %w", path, err)
	}
	return nil
}

// WriteSnapshot writes parameter file atomically, so a worker never reads a partial file
func WriteSnapshot(path string, p Param) error {
	data, err := Marshal(p)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return fmt.Errorf("can't make temp snapshot: %w", err)
	}
	defer os.Remove(tmp.Name()) // nolint errcheck, no-op after rename

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("can't write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("can't close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("can't move snapshot to %s: %w", path, err)
	}
	return nil
}

func formatValue(v reflect.Value) (string, error) {
	switch v.Kind() {
	case reflect.String:
		if strings.ContainsAny(v.String(), "\r\n") {
			return "", fmt.Errorf("multiline value %q", v.String())
		}
		return v.String(), nil
	case reflect.Bool:
		if v.Bool() {
			return "True", nil
		}
		return "False", nil
	case reflect.Int:
		return strconv.FormatInt(v.Int(), 10), nil
	case reflect.Float64:
		return formatFloat(v.Float()), nil
	case reflect.Slice:
		if v.Type().Elem().Kind() != reflect.Int {
			return "", fmt.Errorf("unsupported slice type %s", v.Type())
		}
		items := make([]string, v.Len())
		for i := range v.Len() {
			items[i] = strconv.FormatInt(v.Index(i).Int(), 10)
		}
		return "[" + strings.Join(items, ", ") + "]", nil
	default:
		return "", fmt.Errorf("unsupported type %s", v.Type())
	}
}

// formatFloat makes the shortest exact representation, keeping a fraction mark on whole numbers
func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if strings.ContainsAny(s, ".eEnN") {
		return s
	}
	return s + ".0"
}

func parseValue(s string, v reflect.Value) error {
	switch v.Kind() {
	case reflect.String:
		if s == "None" {
			s = ""
		}
		v.SetString(s)
	case reflect.Bool:
		switch s {
		case "True", "true", "1":
			v.SetBool(true)
		case "False", "false", "0":
			v.SetBool(false)
		default:
			return fmt.Errorf("bad bool %q", s)
		}
	case reflect.Int:
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("bad int %q", s)
		}
		v.SetInt(int64(n))
	case reflect.Float64:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("bad float %q", s)
		}
		v.SetFloat(f)
	case reflect.Slice:
		items, err := parseIntList(s)
		if err != nil {
			return err
		}
		v.Set(reflect.ValueOf(items))
	default:
		return fmt.Errorf("unsupported type %s", v.Type())
	}
	return nil
}

// parseIntList parses "[0, 1]" or "(0, 1)" lists
func parseIntList(s string) ([]int, error) {
	if len(s) < 2 || !(s[0] == '[' && s[len(s)-1] == ']' || s[0] == '(' && s[len(s)-1] == ')') {
		return nil, fmt.Errorf("bad list %q", s)
	}
	body := strings.TrimSpace(s[1 : len(s)-1])
	res := []int{}
	if body == "" {
		return res, nil
	}
	for _, item := range strings.Split(body, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue // trailing comma in tuples
		}
		n, err := strconv.Atoi(item)
		if err != nil {
			return nil, fmt.Errorf("bad list item %q", item)
		}
		res = append(res, n)
	}
	return res, nil
}
