package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/tinyrange/thinhv/internal/timeslice"
)

type exitSummary struct {
	Kind  string
	Flags timeslice.Flags
	Count int
	Sum   time.Duration
	Min   time.Duration
	Max   time.Duration
}

func (r *exitSummary) String() string {
	return fmt.Sprintf("% 24s flags=% 10s count=% 8d sum=% 16s min=% 16s max=% 16s avg=% 16s",
		r.Kind, r.Flags, r.Count,
		r.Sum,
		r.Min,
		r.Max,
		r.Sum/time.Duration(r.Count),
	)
}

func (r *exitSummary) Add(duration time.Duration) {
	r.Count++
	r.Sum += duration
	if r.Min == 0 || duration < r.Min {
		r.Min = duration
	}
	if r.Max == 0 || duration > r.Max {
		r.Max = duration
	}
}

type summaryKey struct {
	processor int
	kind      string
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	filename := fs.String("filename", "", "Exit trace file to read")
	sums := fs.Bool("sums", false, "Print per-exit-reason sums of handler durations")
	perProcessor := fs.Bool("per-processor", false, "Split sums by processor")
	processor := fs.Int("processor", -1, "Only include records from this processor")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if *filename == "" {
		fs.Usage()
		os.Exit(1)
	}

	f, err := os.Open(*filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open trace file: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	include := func(r timeslice.Record) bool {
		return *processor < 0 || r.Processor == *processor
	}

	if !*sums {
		if err := timeslice.ReadAllRecords(f, func(r timeslice.Record) error {
			if include(r) {
				fmt.Printf("%d %s %s %s\n", r.Processor, r.Kind, r.Flags, r.Duration)
			}
			return nil
		}); err != nil {
			fmt.Fprintf(os.Stderr, "failed to read trace file: %v\n", err)
			os.Exit(1)
		}
		return
	}

	records := map[summaryKey]*exitSummary{}
	displayOrder := []summaryKey{}
	if err := timeslice.ReadAllRecords(f, func(r timeslice.Record) error {
		if !include(r) {
			return nil
		}
		key := summaryKey{kind: r.Kind}
		if *perProcessor {
			key.processor = r.Processor
		}
		record, ok := records[key]
		if !ok {
			displayOrder = append(displayOrder, key)
			record = &exitSummary{Kind: r.Kind, Flags: r.Flags}
			records[key] = record
		}
		record.Add(r.Duration)
		return nil
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to read trace file: %v\n", err)
		os.Exit(1)
	}

	if *perProcessor {
		sort.SliceStable(displayOrder, func(i, j int) bool {
			return displayOrder[i].processor < displayOrder[j].processor
		})
	}
	last := -1
	for _, key := range displayOrder {
		if *perProcessor && key.processor != last {
			fmt.Printf("processor %d\n", key.processor)
			last = key.processor
		}
		fmt.Printf("%s\n", records[key].String())
	}
}
