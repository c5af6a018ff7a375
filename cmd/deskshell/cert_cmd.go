package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/deskshell/deskshell/internal/cli/output"
	"github.com/deskshell/deskshell/internal/tlslocal"
)

var (
	certPEM    bool
	certOutput string
)

// certInfo is what `deskshell cert` reports
type certInfo struct {
	Subject     string    `json:"subject" yaml:"subject"`
	Serial      string    `json:"serial" yaml:"serial"`
	DNSNames    []string  `json:"dns_names" yaml:"dns_names"`
	IPAddresses []string  `json:"ip_addresses" yaml:"ip_addresses"`
	NotBefore   time.Time `json:"not_before" yaml:"not_before"`
	NotAfter    time.Time `json:"not_after" yaml:"not_after"`
	SHA256      string    `json:"sha256" yaml:"sha256"`
	SPKIPin     string    `json:"spki_pin" yaml:"spki_pin"`
	PEM         string    `json:"pem,omitempty" yaml:"pem,omitempty"`
}

func newCertInfo(cert *tlslocal.Certificate, withPEM bool) certInfo {
	leaf := cert.Leaf
	info := certInfo{
		Subject:   leaf.Subject.String(),
		Serial:    leaf.SerialNumber.String(),
		DNSNames:  leaf.DNSNames,
		NotBefore: leaf.NotBefore.UTC(),
		NotAfter:  leaf.NotAfter.UTC(),
		SHA256:    cert.Fingerprint(),
		SPKIPin:   cert.SPKIFingerprint(),
	}
	for _, ip := range leaf.IPAddresses {
		info.IPAddresses = append(info.IPAddresses, ip.String())
	}
	if withPEM {
		info.PEM = string(cert.PEM())
	}
	return info
}

// Table lists one field per row; the PEM block is printed after the table
func (c certInfo) Table() ([]string, [][]string) {
	return []string{"FIELD", "VALUE"}, [][]string{
		{"Subject", c.Subject},
		{"Serial", c.Serial},
		{"DNS names", fmt.Sprint(c.DNSNames)},
		{"IP addresses", fmt.Sprint(c.IPAddresses)},
		{"Not before", c.NotBefore.Format(time.RFC3339)},
		{"Not after", c.NotAfter.Format(time.RFC3339)},
		{"SHA-256", c.SHA256},
		{"SPKI pin", c.SPKIPin},
	}
}

func newCertCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Provision a throwaway localhost certificate and print its fingerprints",
		Long: `Generate a certificate the way the shell does at startup and describe it.

The shell creates a fresh certificate on every run and keeps it in memory
only, so these values are for inspection; they do not match a running shell.

Examples:
  deskshell cert             # Print subject, validity and fingerprints
  deskshell cert --pem       # Also print the certificate (never the key) as PEM
  deskshell cert -o json     # Machine-readable output`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			formatter, err := output.NewFormatter(output.ResolveFormat(certOutput), cmd.OutOrStdout())
			if err != nil {
				return &configError{err: err}
			}
			cert, err := tlslocal.Provision(tlslocal.Options{Organization: "deskshell"})
			if err != nil {
				return err
			}

			info := newCertInfo(cert, certPEM)
			text, err := formatter.Format(info)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprint(out, text)
			if _, table := formatter.(*output.TableFormatter); table && info.PEM != "" {
				fmt.Fprint(out, info.PEM)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&certPEM, "pem", false, "Include the PEM-encoded certificate")
	cmd.Flags().StringVarP(&certOutput, "output", "o", "", "Output format (table, json, yaml)")
	return cmd
}
