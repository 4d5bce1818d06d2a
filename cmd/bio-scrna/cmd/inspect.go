package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/grailbio/scrna/sce"
)

func runInspect(ctx context.Context, out io.Writer, path string, showConfig bool) error {
	e, err := sce.ReadSnapshot(ctx, path)
	if err != nil {
		return err
	}
	return describe(out, e, showConfig)
}

// describe writes a summary of e: dimensions, annotation columns, derived
// matrices and cluster sizes.
func describe(out io.Writer, e *sce.Experiment, showConfig bool) error {
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintf(w, "genes\t%d\n", e.NGenes())
	fmt.Fprintf(w, "cells\t%d\n", e.NCells())
	for _, c := range e.RowData.Columns {
		fmt.Fprintf(w, "gene column\t%s\t%v\n", c.Name, c.Kind)
	}
	for _, c := range e.ColData.Columns {
		fmt.Fprintf(w, "cell column\t%s\t%v\n", c.Name, c.Kind)
	}
	var names []string
	for name := range e.Assays {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "assay\t%s\n", name)
	}
	names = names[:0]
	for name := range e.ReducedDims {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "reduced dim\t%s\t%d\n", name, e.ReducedDims[name].Cols)
	}
	if labels, err := e.Clusters(); err == nil {
		sizes := map[int]int{}
		for _, l := range labels {
			sizes[l]++
		}
		ids := make([]int, 0, len(sizes))
		for l := range sizes {
			ids = append(ids, l)
		}
		sort.Ints(ids)
		for _, l := range ids {
			fmt.Fprintf(w, "cluster\t%d\t%d\n", l, sizes[l])
		}
	}
	names = names[:0]
	for k := range e.Metadata {
		if k != "config" {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	for _, k := range names {
		fmt.Fprintf(w, "metadata\t%s\t%s\n", k, e.Metadata[k])
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if showConfig {
		_, err := io.WriteString(out, e.Metadata["config"])
		return err
	}
	return nil
}
