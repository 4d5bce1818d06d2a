// Package gtf reads gene records from a GTF/GFF2 annotation and uses them to
// annotate the gene table of an Experiment with chromosome locations.
package gtf

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/scrna/sce"
)

// Gene is one "gene" line of an annotation.
type Gene struct {
	ID, Name, Biotype string
	Chrom             string
	Start, End        int
	Strand            string
}

// record is one line of a GTF file.
type record struct {
	Chrom    string
	Source   string
	Molecule string
	Start    int
	Stop     int
	Score    string // may be "."
	Strand   string
	Frame    string
	Fields   string
}

// parseAttributes parses `key "value"; key2 "value2";` into attrs, which is
// cleared first.
func parseAttributes(attrs map[string]string, info string) error {
	for k := range attrs {
		delete(attrs, k)
	}
	for _, field := range strings.Split(strings.TrimSpace(info), ";") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		pair := strings.SplitN(field, " ", 2)
		if len(pair) != 2 {
			return fmt.Errorf("gtf: malformed attribute %q", field)
		}
		attrs[pair[0]] = strings.Trim(strings.TrimSpace(pair[1]), "\"")
	}
	return nil
}

// ReadGenes parses the gene lines of r. Version suffixes of gene IDs
// (ENSG00000141510.16) are kept as written.
func ReadGenes(r io.Reader) ([]Gene, error) {
	scanner := tsv.NewReader(bufio.NewReaderSize(r, 64<<10))
	scanner.Comment = '#'
	scanner.LazyQuotes = true
	var (
		rec   record
		attrs = map[string]string{}
		genes []Gene
		line  int
	)
	for {
		line++
		if err := scanner.Read(&rec); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.E(errors.Invalid, err, fmt.Sprintf("gtf: record %d", line))
		}
		if rec.Molecule != "gene" {
			continue
		}
		if err := parseAttributes(attrs, rec.Fields); err != nil {
			return nil, errors.E(errors.Invalid, err, fmt.Sprintf("gtf: record %d", line))
		}
		g := Gene{
			ID:      attrs["gene_id"],
			Name:    attrs["gene_name"],
			Biotype: attrs["gene_type"],
			Chrom:   rec.Chrom,
			Start:   rec.Start,
			End:     rec.Stop,
			Strand:  rec.Strand,
		}
		if g.Biotype == "" {
			g.Biotype = attrs["gene_biotype"]
		}
		if g.ID == "" {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("gtf: record %d: gene without gene_id", line))
		}
		genes = append(genes, g)
	}
	return genes, nil
}

// ReadGenesFile reads the genes of a possibly compressed GTF file.
func ReadGenesFile(ctx context.Context, path string) (genes []Gene, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	var r io.Reader = in.Reader(ctx)
	if u := compress.NewReaderPath(r, in.Name()); u != nil {
		r = u
	}
	genes, err = ReadGenes(r)
	if err == nil {
		log.Printf("gtf: read %d genes from %s", len(genes), path)
	}
	return genes, err
}

// stripVersion removes a trailing ".N" version from an Ensembl ID.
func stripVersion(id string) string {
	if i := strings.LastIndexByte(id, '.'); i > 0 && strings.HasPrefix(id, "ENS") {
		return id[:i]
	}
	return id
}

// Annotate returns a copy of e whose gene table has Chrom and ChromKnown
// columns. Genes are matched by ID, ignoring Ensembl version suffixes. Genes
// absent from the annotation get an empty Chrom and ChromKnown NA; they are
// not assumed to be nuclear.
func Annotate(e *sce.Experiment, genes []Gene) (*sce.Experiment, int, error) {
	ids, err := e.RowData.Strings(sce.GeneID)
	if err != nil {
		return nil, 0, err
	}
	byID := make(map[string]*Gene, len(genes))
	for i := range genes {
		byID[stripVersion(genes[i].ID)] = &genes[i]
	}
	chrom := make([]string, len(ids))
	known := make([]sce.Logical, len(ids))
	found := 0
	for i, id := range ids {
		if g, ok := byID[stripVersion(id)]; ok {
			chrom[i] = g.Chrom
			known[i] = sce.True
			found++
		} else {
			known[i] = sce.NA
		}
	}
	out := e.With()
	if err := out.RowData.SetString(sce.GeneChrom, chrom); err != nil {
		return nil, 0, err
	}
	if err := out.RowData.SetLogical(sce.GeneChromKnown, known); err != nil {
		return nil, 0, err
	}
	return out, found, nil
}
