// Package cli holds the terminal helpers of the spkemb command: result
// output in YAML or JSON, pipeline config loading, run logging and the
// lipgloss-styled status table.
package cli
