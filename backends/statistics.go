package backends

import (
	"fmt"
	"math"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/knights-analytics/diffbench/util/safeconv"
)

type timings struct {
	NumCalls uint64
	TotalNS  uint64
}

// ModelStatistics summarises the runtime calls made on one model.
type ModelStatistics struct {
	Name           string        `json:"name"`
	TotalTime      time.Duration `json:"totalTime"`
	ExecutionCount uint64        `json:"executionCount"`
	AvgQueryTime   time.Duration `json:"avgQueryTime"`
}

func (s *ModelStatistics) ComputeStatistics(timings *timings) {
	s.TotalTime = safeconv.U64ToDuration(timings.TotalNS)
	s.ExecutionCount = timings.NumCalls
	s.AvgQueryTime = time.Duration(float64(timings.TotalNS) /
		math.Max(1, float64(timings.NumCalls)))
}

func (s *ModelStatistics) Print() {
	jsonData, err := jsoniter.MarshalIndent(s, "", "  ")
	if err != nil {
		fmt.Println(err)
	}
	fmt.Println(string(jsonData))
}
