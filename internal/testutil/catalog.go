package testutil

import (
	"context"
	"testing"

	"github.com/specialistvlad/seqflow/internal/workflow"
	"github.com/stretchr/testify/require"
)

// Fixture names and tags used across package tests.
const (
	RepoReadsQC  = "https://github.com/example/ReadsQC"
	RepoAssembly = "https://github.com/example/metaAssembly"

	TagSequencing = "nmdc:NucleotideSequencing"
	TagReadsQC    = "nmdc:ReadQcAnalysis"
	TagAssembly   = "nmdc:MetagenomeAssembly"

	TypeRawReads      = "Metagenome Raw Reads"
	TypeFilteredReads = "Filtered Sequencing Reads"
	TypeQCStats       = "QC Statistics"
	TypeContigs       = "Assembly Contigs"
)

// CatalogHCL is a three-step chain: sequencing, reads QC, assembly.
const CatalogHCL = `
workflow "Sequencing" {
  type                  = "nmdc:NucleotideSequencing"
  collection            = "data_generation_set"
  analyte_category      = "Metagenome"
  filter_output_objects = ["Metagenome Raw Reads"]
}

workflow "Reads QC" {
  type                  = "nmdc:ReadQcAnalysis"
  collection            = "workflow_execution_set"
  analyte_category      = "Metagenome"
  git_repo              = "https://github.com/example/ReadsQC"
  version               = "v1.0.8"
  wdl                   = "rqcfilter.wdl"
  predecessors          = ["Sequencing"]
  input_prefix          = "nmdc_rqcfilter"

  inputs = {
    input_files = "do:Metagenome Raw Reads"
    proj        = "{workflow_execution_id}"
    informed_by = "{was_informed_by}"
    shortread   = true
  }

  workflow_execution = {
    name = "Read QC for {id}"
    type = "nmdc:ReadQcAnalysis"
  }

  output "filtered_final" {
    data_object_type = "Filtered Sequencing Reads"
    description      = "Reads QC for {id}"
    name             = "Filtered reads"
  }

  output "filtered_stats" {
    data_object_type = "QC Statistics"
    description      = "Reads QC summary for {id}"
    optional         = true
  }
}

workflow "Metagenome Assembly" {
  type             = "nmdc:MetagenomeAssembly"
  collection       = "workflow_execution_set"
  analyte_category = "Metagenome"
  git_repo         = "https://github.com/example/metaAssembly"
  version          = "v1.0.9"
  wdl              = "jgi_assembly.wdl"
  predecessors     = ["Reads QC"]
  input_prefix     = "jgi_metaASM"
  optional_inputs  = ["qc_stats"]

  inputs = {
    input_file           = "do:Filtered Sequencing Reads"
    qc_stats             = "do:QC Statistics"
    rename_contig_prefix = "{predecessor_activity_id}"
    proj                 = "{workflow_execution_id}"
  }

  workflow_execution = {
    name    = "Assembly for {id}"
    type    = "nmdc:MetagenomeAssembly"
    contigs = "{outputs.stats.contigs}"
  }

  output "contigs" {
    data_object_type = "Assembly Contigs"
    description      = "Assembly contigs for {id}"
    name             = "contigs"
  }

  output "stats" {
    data_object_type = "Assembly Info File"
    description      = "Assembly stats for {id}"
    optional         = true
  }
}
`

// LoadCatalog loads an HCL catalog given as a string.
func LoadCatalog(t *testing.T, src string) []*workflow.Type {
	t.Helper()
	dir := WriteFiles(t, map[string]string{"workflows.hcl": src})
	types, err := workflow.Load(context.Background(), dir)
	require.NoError(t, err)
	return types
}
