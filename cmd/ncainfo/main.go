// ncainfo decrypts an NCA (or NCZ) header and prints the parsed container
// description as JSON.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/falk/nca-go/pkg/keys"
	"github.com/falk/nca-go/pkg/nca"
	"github.com/falk/nca-go/pkg/ncz"
)

var rootCmd = &cobra.Command{
	Use:          "ncainfo <file.nca|file.ncz>",
	Short:        "Decrypt and inspect NCA container headers",
	Long: `ncainfo decrypts the header of a Nintendo Content Archive, derives its
working keys from a loaded keyset, and prints the resulting container
description as JSON. NCZ (zstd-compressed NCA) input is decompressed on
the fly.

Key material is read from a prod.keys-format file, resolved from the
--keys flag, the NCAINFO_KEYS environment variable, or the standard
search paths (./prod.keys, ~/.switch/prod.keys).`,
	Args:         cobra.ExactArgs(1),
	RunE:         run,
	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().StringP("keys", "k", "", "path to prod.keys")
	viper.SetEnvPrefix("ncainfo")
	viper.AutomaticEnv()
	_ = viper.BindPFlag("keys", rootCmd.Flags().Lookup("keys"))
}

func run(cmd *cobra.Command, args []string) error {
	ks, err := loadKeyset()
	if err != nil {
		return fmt.Errorf("loading keys: %w", err)
	}
	ks.Derive()

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.EqualFold(filepath.Ext(args[0]), ".ncz") {
		nr, err := ncz.NewReader(f)
		if err != nil {
			return err
		}
		defer nr.Close()
		r = nr
	}

	parsed, err := nca.FromReader(ks, r)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(parsed.Info, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func loadKeyset() (*keys.Keyset, error) {
	if path := viper.GetString("keys"); path != "" {
		return keys.LoadFile(path)
	}
	return keys.LoadDefault()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
