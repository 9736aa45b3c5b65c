package benchmark

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/phuslu/log"

	"github.com/knights-analytics/diffbench/util/fileutil"
)

// WriteReport writes the report as indented JSON to path, a local path or an s3:// URL.
func WriteReport(report *Report, path string) error {
	data, err := jsoniter.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	if err = fileutil.WriteFileBytes(path, "application/json", data); err != nil {
		return fmt.Errorf("writing report to %s: %w", path, err)
	}
	log.Info().Str("path", path).Msg("Report written.")
	return nil
}

// ReadReport loads a report written by WriteReport.
func ReadReport(path string) (*Report, error) {
	data, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return nil, err
	}
	report := &Report{}
	if err = jsoniter.Unmarshal(data, report); err != nil {
		return nil, fmt.Errorf("decoding report %s: %w", path, err)
	}
	return report, nil
}
