package main

/*
bio-scrna analyzes droplet single-cell RNA-seq data: it counts molecules from
tagged BAM files, calls cells, filters and normalizes them, and clusters them
into cell types with their marker genes.
*/

import "github.com/grailbio/scrna/cmd/bio-scrna/cmd"

func main() {
	cmd.Run()
}
