package gtf

import (
	"strings"
	"testing"

	"github.com/grailbio/scrna/matrix"
	"github.com/grailbio/scrna/sce"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleGTF = `##description: test
chr1	HAVANA	gene	11869	14409	.	+	.	gene_id "ENSG00000223972.5"; gene_type "transcribed_unprocessed_pseudogene"; gene_name "DDX11L1";
chr1	HAVANA	transcript	11869	14409	.	+	.	gene_id "ENSG00000223972.5"; transcript_id "ENST00000456328.2";
chrM	ENSEMBL	gene	3307	4262	.	+	.	gene_id "ENSG00000198888.2"; gene_type "protein_coding"; gene_name "MT-ND1";
`

func TestReadGenes(t *testing.T) {
	genes, err := ReadGenes(strings.NewReader(sampleGTF))
	require.NoError(t, err)
	require.Len(t, genes, 2)
	expect.EQ(t, genes[0].Name, "DDX11L1")
	expect.EQ(t, genes[0].Biotype, "transcribed_unprocessed_pseudogene")
	expect.EQ(t, genes[1].Chrom, "chrM")
	expect.EQ(t, genes[1].Start, 3307)
}

func TestAnnotateMarksUnknownAsNA(t *testing.T) {
	genes, err := ReadGenes(strings.NewReader(sampleGTF))
	require.NoError(t, err)

	rows := sce.NewTable(3)
	require.NoError(t, rows.SetString(sce.GeneID, []string{"ENSG00000198888", "ENSG00000000001", "ENSG00000223972.5"}))
	e, err := sce.New(matrix.Zeros(3, 2), rows, nil)
	require.NoError(t, err)

	out, found, err := Annotate(e, genes)
	require.NoError(t, err)
	expect.EQ(t, found, 2)
	chrom, err := out.RowData.Strings(sce.GeneChrom)
	require.NoError(t, err)
	assert.Equal(t, []string{"chrM", "", "chr1"}, chrom)
	known, err := out.RowData.Logical(sce.GeneChromKnown)
	require.NoError(t, err)
	assert.Equal(t, []sce.Logical{sce.True, sce.NA, sce.True}, known)
	assert.False(t, e.RowData.Has(sce.GeneChrom))
}
