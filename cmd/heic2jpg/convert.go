package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/coah80/heic2jpg/internal/codec"
	"github.com/coah80/heic2jpg/internal/convert"
	"github.com/coah80/heic2jpg/internal/util"
)

func newConvertCmd() *cobra.Command {
	var quality int
	cmd := &cobra.Command{
		Use:   "convert <input.heic> <output.jpg>",
		Short: "Convert one file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conv, err := newConverter()
			if err != nil {
				return err
			}
			q := resolveQuality(cmd, quality)
			return convertFile(cmd.Context(), cmd.OutOrStdout(), conv, args[0], args[1], q)
		},
	}
	cmd.Flags().IntVarP(&quality, "quality", "q", 0, "JPEG quality 1-100 (default $JPEG_QUALITY or 85)")
	return cmd
}

func newConvertDirCmd() *cobra.Command {
	var quality int
	cmd := &cobra.Command{
		Use:   "convert-dir <input-dir> <output-dir>",
		Short: "Convert every HEIC/HEIF file in a directory",
		Args:  cobra.RangeArgs(0, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, out := cfg.InputDir, cfg.OutputDir
			if len(args) > 0 {
				in = args[0]
			}
			if len(args) > 1 {
				out = args[1]
			}
			conv, err := newConverter()
			if err != nil {
				return err
			}
			q := resolveQuality(cmd, quality)
			return convertDir(cmd.Context(), cmd.OutOrStdout(), conv, in, out, q)
		},
	}
	cmd.Flags().IntVarP(&quality, "quality", "q", 0, "JPEG quality 1-100 (default $JPEG_QUALITY or 85)")
	return cmd
}

func newConverter() (*convert.Converter, error) {
	decoder, err := util.FindDecoder(cfg.HEIFDecoder)
	if err != nil {
		return nil, err
	}
	return convert.New(codec.NewExecCodec(decoder)), nil
}

func resolveQuality(cmd *cobra.Command, flagValue int) int {
	if !cmd.Flags().Changed("quality") {
		return cfg.Quality
	}
	return codec.NormalizeQuality(strconv.Itoa(flagValue), cfg.Quality)
}

func convertFile(ctx context.Context, w io.Writer, conv *convert.Converter, in, out string, quality int) error {
	fmt.Fprintf(w, "Converting: %s -> %s\n", in, out)
	o := conv.ConvertOne(ctx, convert.UploadedFile{Path: in, OriginalName: filepath.Base(in)}, filepath.Dir(out), quality)
	if !o.OK() {
		return o.Err
	}
	if o.OutputPath != out {
		if err := os.Rename(o.OutputPath, out); err != nil {
			os.Remove(o.OutputPath)
			return fmt.Errorf("move output: %w", err)
		}
	}
	fmt.Fprintf(w, "Converted %s (%.2f MB)\n", filepath.Base(out), float64(o.Size)/(1024*1024))
	return nil
}

func convertDir(ctx context.Context, w io.Writer, conv *convert.Converter, inDir, outDir string, quality int) error {
	entries, err := os.ReadDir(inDir)
	if err != nil {
		return fmt.Errorf("read input directory: %w", err)
	}
	var files []convert.UploadedFile
	for _, e := range entries {
		if e.Type().IsRegular() && util.HasAcceptedExt(e.Name()) {
			files = append(files, convert.UploadedFile{Path: filepath.Join(inDir, e.Name()), OriginalName: e.Name()})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].OriginalName < files[j].OriginalName })
	if len(files) == 0 {
		fmt.Fprintln(w, "No HEIC/HEIF files found in input directory")
		return nil
	}

	fmt.Fprintf(w, "Found %d HEIC/HEIF files to convert (quality %d)\n", len(files), quality)
	res := conv.ConvertBatch(ctx, files, 0, outDir, quality)
	for _, o := range res.Failures() {
		fmt.Fprintf(w, "  failed: %s: %s\n", o.File.OriginalName, util.ToUserError(o.Err))
	}

	fmt.Fprintln(w, "\nConversion summary:")
	fmt.Fprintf(w, "  converted: %d files\n", res.Succeeded)
	fmt.Fprintf(w, "  failed:    %d files\n", res.Total-res.Succeeded)
	fmt.Fprintf(w, "  output:    %s\n", outDir)
	if res.Succeeded == 0 {
		return fmt.Errorf("no files converted")
	}
	return nil
}
