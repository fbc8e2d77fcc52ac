package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/datmaps/go-tiledb/tiledb"
	"github.com/dustin/go-humanize"
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
)

func openFS(path string) (tiledb.StorageFS, string, error) {
	if i := strings.Index(path, "://"); i > 0 {
		j := strings.Index(path[i+3:], "/")
		if j < 0 {
			return nil, "", fmt.Errorf("bucket URL %s needs an array path", path)
		}
		bucketURL := path[:i+3+j]
		key := path[i+3+j+1:]
		fs, err := tiledb.OpenBlobFS(context.Background(), bucketURL)
		if err != nil {
			return nil, "", err
		}
		return fs, key, nil
	}
	return tiledb.NewPosixFS(tiledb.NewConfig()), path, nil
}

func show(logger *log.Logger, args []string) error {
	showCmd := flag.NewFlagSet("show", flag.ExitOnError)
	showCmd.Parse(args)
	path := showCmd.Arg(0)
	if path == "" {
		return fmt.Errorf("usage: show ARRAY_PATH")
	}

	fs, dir, err := openFS(path)
	if err != nil {
		return err
	}
	schema, err := tiledb.LoadArraySchema(fs, dir)
	if err != nil {
		return err
	}

	kind := "sparse"
	if schema.Dense {
		kind = "dense"
	}
	logger.Printf("array %s (%s), %d dimensions, %d attributes",
		schema.ArrayName, kind, schema.DimNum(), schema.AttributeNum())
	logger.Printf("capacity %d cells per tile, coords type %s", schema.Capacity, schema.CoordsType)
	for _, a := range schema.Attributes {
		vals := fmt.Sprintf("%d", a.CellValNum)
		if a.CellValNum == tiledb.VarNum {
			vals = "var"
		}
		logger.Printf("  attribute %-20s %-8s x%s", a.Name, a.Type, vals)
	}

	dirs, err := fs.ListDirs(dir)
	if err != nil {
		return err
	}
	var total uint64
	fragments := 0
	for _, d := range dirs {
		files, err := fs.ListFiles(d)
		if err != nil {
			continue
		}
		var size uint64
		committed := false
		for _, f := range files {
			if strings.HasSuffix(f, "/"+tiledb.FragmentFilename) {
				committed = true
			}
			if n, err := fs.Size(f); err == nil {
				size += uint64(n)
			}
		}
		if !committed {
			continue
		}
		fragments++
		total += size
		logger.Printf("  fragment %s: %s", d[strings.LastIndexByte(d, '/')+1:], humanize.Bytes(size))
	}
	logger.Printf("%d fragments, %s total", fragments, humanize.Bytes(total))
	return nil
}

func consolidate(logger *log.Logger, args []string) error {
	consolidateCmd := flag.NewFlagSet("consolidate", flag.ExitOnError)
	batch := consolidateCmd.Int("batch", 0, "fragments per consolidation batch (0 = all at once)")
	consolidateCmd.Parse(args)
	path := consolidateCmd.Arg(0)
	if path == "" {
		return fmt.Errorf("usage: consolidate [-batch N] ARRAY_PATH")
	}

	fs, dir, err := openFS(path)
	if err != nil {
		return err
	}
	array, err := tiledb.OpenArray(fs, tiledb.NewConfig(), dir, tiledb.ArrayConsolidate, nil, nil)
	if err != nil {
		return err
	}
	if err := array.Consolidate(logger, *batch); err != nil {
		return err
	}
	return array.Finalize()
}

func main() {
	logger := log.New(os.Stdout, "", log.Ldate|log.Ltime)

	if len(os.Args) < 2 {
		helptext := `Usage: tiledb [COMMAND] [ARGS]

Inspecting arrays:
tiledb show /path/to/array
tiledb show s3://BUCKET/path/to/array

Consolidating fragments:
tiledb consolidate [-batch N] /path/to/array`
		fmt.Println(helptext)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "show":
		if err := show(logger, os.Args[2:]); err != nil {
			logger.Fatalf("Failed to show array, %v", err)
		}
	case "consolidate":
		if err := consolidate(logger, os.Args[2:]); err != nil {
			logger.Fatalf("Failed to consolidate array, %v", err)
		}
	default:
		logger.Println("unrecognized command.")
		flag.PrintDefaults()
		os.Exit(1)
	}
}
