package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kjk/ezdb/backup"
	"github.com/kjk/ezdb/log"
	"github.com/kjk/ezdb/store"
)

const usage = `usage: ezdb <command> [flags]

commands:
  demo      run a demonstration against a 'users' store
  dump      print all records of a store
  shell     interactive shell for a store
  backup    write a compressed backup of a store
  restore   restore store files from a backup
  upload    upload a backup file to S3-compatible storage
  download  download a backup file from S3-compatible storage

run 'ezdb <command> -h' for command flags
`

func must(err error) {
	if err != nil {
		log.Errorf("%s\n", err)
		os.Exit(1)
	}
}

type storeFlags struct {
	dir  *string
	name *string
}

func addStoreFlags(fs *flag.FlagSet, defName string) storeFlags {
	return storeFlags{
		dir:  fs.String("dir", store.DefaultDir, "directory with store files"),
		name: fs.String("name", defName, "name of the store"),
	}
}

func (sf storeFlags) open() *store.Store[Doc] {
	s, err := store.Open[Doc](*sf.name, &store.Options{Dir: *sf.dir})
	must(err)
	return s
}

func minioConfigFromEnv() *backup.MinioConfig {
	return &backup.MinioConfig{
		Access:   os.Getenv("EZDB_S3_ACCESS"),
		Secret:   os.Getenv("EZDB_S3_SECRET"),
		Bucket:   os.Getenv("EZDB_S3_BUCKET"),
		Endpoint: os.Getenv("EZDB_S3_ENDPOINT"),
		Region:   os.Getenv("EZDB_S3_REGION"),
		Insecure: os.Getenv("EZDB_S3_INSECURE") == "true",
	}
}

func cmdDump(args []string) {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	sf := addStoreFlags(fs, "users")
	noColor := fs.Bool("no-color", false, "don't colorize output")
	fs.Parse(args)

	s := sf.open()
	defer s.Close()
	for _, rec := range s.GetAll() {
		fmt.Println(formatRecord(rec, !*noColor))
	}
}

func cmdShell(args []string) {
	fs := flag.NewFlagSet("shell", flag.ExitOnError)
	sf := addStoreFlags(fs, "users")
	noColor := fs.Bool("no-color", false, "don't colorize output")
	fs.Parse(args)

	s := sf.open()
	defer s.Close()
	must(runShell(s, os.Stdin, os.Stdout, !*noColor))
}

func cmdBackup(args []string) {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	sf := addStoreFlags(fs, "users")
	out := fs.String("out", "", "backup file, codec is picked by extension (.zstd, .br, .zip)")
	fs.Parse(args)
	if *out == "" {
		*out = *sf.name + "-" + time.Now().Format("2006-01-02_15-04-05") + backup.Zstd.Ext()
	}

	s := sf.open()
	defer s.Close()
	f, err := os.Create(*out)
	must(err)
	err = s.Backup(f, backup.CodecFromPath(*out))
	err2 := f.Close()
	if err != nil || err2 != nil {
		os.Remove(*out)
	}
	must(err)
	must(err2)
	log.Logf("wrote backup of %d records to '%s'\n", s.Len(), *out)
}

func cmdRestore(args []string) {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	sf := addStoreFlags(fs, "")
	in := fs.String("in", "", "backup file")
	fs.Parse(args)
	if *in == "" {
		fs.Usage()
		os.Exit(1)
	}

	f, err := os.Open(*in)
	must(err)
	defer f.Close()
	n, err := backup.Restore(f, backup.CodecFromPath(*in), *sf.dir, *sf.name)
	must(err)
	log.Logf("restored %d records from '%s' to '%s'\n", n, *in, *sf.dir)
}

func cmdUpload(args []string) {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	in := fs.String("in", "", "backup file")
	remote := fs.String("remote", "", "remote path, defaults to file name")
	fs.Parse(args)
	if *in == "" {
		fs.Usage()
		os.Exit(1)
	}
	if *remote == "" {
		*remote = "ezdb/" + filepath.Base(*in)
	}

	ctx := context.Background()
	mc, err := backup.NewMinio(ctx, minioConfigFromEnv())
	must(err)
	info, err := mc.UploadFile(ctx, *remote, *in)
	must(err)
	log.Logf("uploaded '%s' to '%s', %d bytes\n", *in, *remote, info.Size)
}

func cmdDownload(args []string) {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	remote := fs.String("remote", "", "remote path")
	out := fs.String("out", "", "local file, defaults to base name of remote path")
	fs.Parse(args)
	if *remote == "" {
		fs.Usage()
		os.Exit(1)
	}
	if *out == "" {
		*out = filepath.Base(*remote)
	}

	ctx := context.Background()
	mc, err := backup.NewMinio(ctx, minioConfigFromEnv())
	must(err)
	must(mc.DownloadFile(ctx, *out, *remote))
	log.Logf("downloaded '%s' to '%s'\n", *remote, *out)
}

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage)
		os.Exit(1)
	}
	if logDir := os.Getenv("EZDB_LOG_DIR"); logDir != "" {
		log.Init(&log.Config{Dir: logDir})
		defer log.Close()
	}
	log.Verbose = os.Getenv("EZDB_VERBOSE") == "true"

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "demo":
		cmdDemo(args)
	case "dump":
		cmdDump(args)
	case "shell":
		cmdShell(args)
	case "backup":
		cmdBackup(args)
	case "restore":
		cmdRestore(args)
	case "upload":
		cmdUpload(args)
	case "download":
		cmdDownload(args)
	default:
		fmt.Printf("unknown command '%s'\n\n%s", cmd, usage)
		os.Exit(1)
	}
}
