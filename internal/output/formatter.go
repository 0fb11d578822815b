package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

type Formatter interface {
	Format(data any) string
}

// NewFormatter returns the formatter for "table" (default), "json", or "yaml".
func NewFormatter(format string) Formatter {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return &JSONFormatter{}
	case "yaml":
		return &YAMLFormatter{}
	default:
		return &TableFormatter{}
	}
}

// TableFormatter aligns slices of structs into columns. Column headers come
// from the `table` tag, then the field name; fields tagged `table:"-"` are
// skipped.
type TableFormatter struct{}

func (f *TableFormatter) Format(data any) string {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)

	v := reflect.ValueOf(data)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Slice:
		if v.Len() == 0 {
			return "No channels found.\n"
		}
		elem := indirect(v.Index(0))
		if elem.Kind() != reflect.Struct {
			for i := 0; i < v.Len(); i++ {
				fmt.Fprintln(w, v.Index(i).Interface())
			}
			break
		}
		cols := columns(elem.Type())
		headers := make([]string, len(cols))
		for i, c := range cols {
			headers[i] = c.header
		}
		fmt.Fprintln(w, strings.Join(headers, "\t"))
		for i := 0; i < v.Len(); i++ {
			row := indirect(v.Index(i))
			vals := make([]string, len(cols))
			for j, c := range cols {
				vals[j] = cell(row.Field(c.index))
			}
			fmt.Fprintln(w, strings.Join(vals, "\t"))
		}
	case reflect.Struct:
		for _, c := range columns(v.Type()) {
			fmt.Fprintf(w, "%s:\t%s\n", c.header, cell(v.Field(c.index)))
		}
	default:
		fmt.Fprintln(w, data)
	}

	w.Flush()
	return buf.String()
}

type column struct {
	index  int
	header string
}

func columns(t reflect.Type) []column {
	out := make([]column, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		tag := field.Tag.Get("table")
		if tag == "-" {
			continue
		}
		if tag == "" {
			tag = strings.ToUpper(field.Name)
		}
		out = append(out, column{index: i, header: tag})
	}
	return out
}

func indirect(v reflect.Value) reflect.Value {
	if v.Kind() == reflect.Ptr {
		return v.Elem()
	}
	return v
}

func cell(v reflect.Value) string {
	switch v.Kind() {
	case reflect.Slice:
		parts := make([]string, v.Len())
		for i := range parts {
			parts[i] = fmt.Sprintf("%v", v.Index(i).Interface())
		}
		if len(parts) == 0 {
			return "-"
		}
		return strings.Join(parts, ",")
	case reflect.String:
		if v.String() == "" {
			return "-"
		}
	}
	return fmt.Sprintf("%v", v.Interface())
}

type JSONFormatter struct{}

func (f *JSONFormatter) Format(data any) string {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("error formatting JSON: %v\n", err)
	}
	return string(b) + "\n"
}

type YAMLFormatter struct{}

func (f *YAMLFormatter) Format(data any) string {
	b, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Sprintf("error formatting YAML: %v\n", err)
	}
	return string(b)
}
