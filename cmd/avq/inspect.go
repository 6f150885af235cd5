package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/avq/pkg/avf"
)

func inspectCmd() *cli.Command {
	var (
		showSections bool
		showTensors  bool
		showAll      bool
		tensorFilter string
		tensorLimit  int64
	)

	flags := append(artifactFlags(),
		&cli.BoolFlag{Name: "sections", Usage: "show the section directory", Destination: &showSections},
		&cli.BoolFlag{Name: "tensors", Usage: "show the tensor index", Destination: &showTensors},
		&cli.BoolFlag{Name: "all", Usage: "show everything", Destination: &showAll},
		&cli.StringFlag{Name: "filter", Usage: "substring filter for tensor names", Destination: &tensorFilter},
		&cli.Int64Flag{Name: "limit", Usage: "max tensors to print (0 = no limit)", Value: 64, Destination: &tensorLimit},
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect the contents of an .avf artifact",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if showAll {
				showSections = true
				showTensors = true
			}

			stat, err := os.Stat(artifactPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: stat %q: %v", artifactPath, err), 1)
			}

			f, err := avf.Open(artifactPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open artifact: %v", err), 1)
			}
			defer func() { _ = f.Close() }()

			fmt.Printf("AVF Inspect: %s\n", artifactPath)
			fmt.Printf("File: %s (%s)\n", filepath.Base(artifactPath), formatBytes(uint64(stat.Size())))
			fmt.Printf("Header: v%d.%d sections=%d flags=%#x\n",
				f.Header.Major, f.Header.Minor, f.Header.SectionCount, f.Header.Flags)

			printModelInfo(f)
			printLayers(f)

			if showSections {
				printSectionDirectory(f)
			}
			if showTensors {
				printTensorIndex(f, tensorFilter, int(tensorLimit))
			}
			return nil
		},
	}
}

func printModelInfo(f *avf.File) {
	sec := f.Section(avf.SectionModelInfo)
	if sec == nil {
		return
	}
	mi, err := avf.ParseModelInfoSection(f.SectionData(sec))
	if err != nil {
		fmt.Printf("(model info parse error: %v)\n", err)
		return
	}
	fmt.Println()
	printKV("ID", mi.ID)
	printKV("Name", mi.Name)
	printKV("Producer", mi.Producer)
	printKV("Created", mi.CreatedAt)
	printKV("Source model", mi.SourceModel)
}

func printLayers(f *avf.File) {
	sec := f.Section(avf.SectionLayerInfo)
	if sec == nil {
		fmt.Println("\n(no layer info section)")
		return
	}
	li, err := avf.ParseLayerInfoSection(f.SectionData(sec))
	if err != nil {
		fmt.Printf("(layer info parse error: %v)\n", err)
		return
	}

	fmt.Printf("\nLayers: %d\n", li.Count())
	fmt.Printf("%-32s %10s %10s %6s %5s %5s %6s\n",
		"NAME", "OUT", "IN", "GROUP", "BOOKS", "BITS", "DTYPE")
	for i := 0; i < li.Count(); i++ {
		rec, err := li.Record(i)
		if err != nil {
			fmt.Printf("(record %d: %v)\n", i, err)
			return
		}
		name, err := li.Name(i)
		if err != nil {
			fmt.Printf("(record %d name: %v)\n", i, err)
			return
		}
		fmt.Printf("%-32s %10d %10d %6d %5d %5d %6s\n",
			name, rec.OutFeatures, rec.InFeatures, rec.GroupSize,
			rec.NumCodebooks, rec.Bits, avf.TensorDType(rec.DType))
	}
}

func printSectionDirectory(f *avf.File) {
	fmt.Println("\nSections:")
	for i := range f.Sections {
		s := &f.Sections[i]
		fmt.Printf("%-16s v%-2d off=%-10d size=%s\n",
			sectionName(avf.SectionType(s.Type)), s.Version, s.Offset, formatBytes(s.Size))
	}
}

func printTensorIndex(f *avf.File, filter string, limit int) {
	sec := f.Section(avf.SectionTensorIndex)
	if sec == nil {
		fmt.Println("\n(no tensor index section)")
		return
	}
	ti, err := avf.ParseTensorIndexSection(f.SectionData(sec))
	if err != nil {
		fmt.Printf("(tensor index parse error: %v)\n", err)
		return
	}

	fmt.Printf("\nTensors: %d\n", ti.Count())
	printed := 0
	for i := 0; i < ti.Count(); i++ {
		name, err := ti.Name(i)
		if err != nil {
			fmt.Printf("(tensor %d name: %v)\n", i, err)
			return
		}
		if filter != "" && !strings.Contains(name, filter) {
			continue
		}
		if limit > 0 && printed >= limit {
			fmt.Printf("... (%d shown of %d)\n", printed, ti.Count())
			return
		}
		entry, err := ti.Entry(i)
		if err != nil {
			fmt.Printf("(tensor %d: %v)\n", i, err)
			return
		}
		shape, err := ti.Shape(i)
		if err != nil {
			fmt.Printf("(tensor %d shape: %v)\n", i, err)
			return
		}
		fmt.Printf("%-44s %-5s %-20s %s\n",
			name, entry.DType, formatShape(shape), formatBytes(entry.DataSize))
		printed++
	}
}

func sectionName(t avf.SectionType) string {
	switch t {
	case avf.SectionModelInfo:
		return "model_info"
	case avf.SectionLayerInfo:
		return "layer_info"
	case avf.SectionTensorIndex:
		return "tensor_index"
	case avf.SectionTensorData:
		return "tensor_data"
	default:
		return fmt.Sprintf("unknown(%#x)", uint32(t))
	}
}

func formatShape(shape []uint64) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = fmt.Sprintf("%d", d)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func formatBytes(n uint64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

func printKV(label, value string) {
	if value == "" {
		return
	}
	fmt.Printf("%-16s %s\n", label+":", value)
}
