package main

import (
	"fmt"
	"io/fs"
	"os"

	"github.com/dwarfs-go/dwarfs"
)

const usage = `dwarfsutil - DwarFS CLI tool

Usage:
  dwarfsutil ls <image> [<path>]      List files in a DwarFS image (optionally in a specific path)
  dwarfsutil cat <image> <file>       Display contents of a file in a DwarFS image
  dwarfsutil info <image>             Display information about a DwarFS image
  dwarfsutil help                     Show this help message

Examples:
  dwarfsutil ls archive.dwarfs                 List all files at the root of archive.dwarfs
  dwarfsutil ls archive.dwarfs lib             List all files in the lib directory
  dwarfsutil cat archive.dwarfs dir/file.txt   Display contents of file.txt from archive.dwarfs
  dwarfsutil info archive.dwarfs               Show metadata about the image
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}

	cmd := os.Args[1]

	switch cmd {
	case "ls":
		if len(os.Args) < 3 {
			fmt.Println("Error: Missing image path")
			fmt.Println(usage)
			os.Exit(1)
		}
		imgPath := os.Args[2]
		path := "."
		if len(os.Args) > 3 {
			path = os.Args[3]
		}
		if err := listFiles(imgPath, path); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			os.Exit(1)
		}

	case "cat":
		if len(os.Args) < 4 {
			fmt.Println("Error: Missing image path or target file")
			fmt.Println(usage)
			os.Exit(1)
		}
		if err := catFile(os.Args[2], os.Args[3]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			os.Exit(1)
		}

	case "info":
		if len(os.Args) < 3 {
			fmt.Println("Error: Missing image path")
			fmt.Println(usage)
			os.Exit(1)
		}
		if err := showInfo(os.Args[2]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			os.Exit(1)
		}

	case "help":
		fmt.Println(usage)

	default:
		fmt.Printf("Error: Unknown command '%s'\n", cmd)
		fmt.Println(usage)
		os.Exit(1)
	}
}

func printFileInfo(path string, info fs.FileInfo) {
	typeChar := "-"
	if info.IsDir() {
		typeChar = "d"
	} else if info.Mode()&fs.ModeSymlink != 0 {
		typeChar = "l"
	}

	permissions := info.Mode().String()[1:]

	size := fmt.Sprintf("%8d", info.Size())
	if info.IsDir() {
		size = "       -"
	}

	timeStr := info.ModTime().Format("Jan 02 15:04")
	fmt.Printf("%s%s %s %s %s\n", typeChar, permissions, size, timeStr, path)
}

func openImage(imgPath string) (*dwarfs.Filesystem, error) {
	return dwarfs.Open(imgPath, dwarfs.NewMountOptions())
}

func listFiles(imgPath, dirPath string) error {
	img, err := openImage(imgPath)
	if err != nil {
		return fmt.Errorf("failed to open image: %w", err)
	}
	defer img.Close()
	fsys := img.FS()

	if dirPath != "." {
		info, err := fs.Stat(fsys, dirPath)
		if err != nil {
			return fmt.Errorf("path '%s' not found: %w", dirPath, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("'%s' is not a directory", dirPath)
		}
	}

	entries, err := fs.ReadDir(fsys, dirPath)
	if err != nil {
		return fmt.Errorf("failed to read directory '%s': %w", dirPath, err)
	}

	for _, entry := range entries {
		displayPath := entry.Name()
		if dirPath != "." {
			displayPath = dirPath + "/" + entry.Name()
		}
		info, err := entry.Info()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to get info for '%s': %s\n", displayPath, err)
			continue
		}
		printFileInfo(displayPath, info)
	}

	return nil
}

func catFile(imgPath, filePath string) error {
	img, err := openImage(imgPath)
	if err != nil {
		return fmt.Errorf("failed to open image: %w", err)
	}
	defer img.Close()

	data, err := fs.ReadFile(img.FS(), filePath)
	if err != nil {
		return fmt.Errorf("failed to read file '%s': %w", filePath, err)
	}
	if _, err := os.Stdout.Write(data); err != nil {
		return fmt.Errorf("failed to write file contents to stdout: %w", err)
	}
	return nil
}

func showInfo(imgPath string) error {
	img, err := openImage(imgPath)
	if err != nil {
		return fmt.Errorf("failed to open image: %w", err)
	}
	defer img.Close()

	meta := img.Metadata()
	sv := img.Statvfs()

	fmt.Println("DwarFS Image Information")
	fmt.Println("========================")
	fmt.Printf("Block size:       %d bytes\n", uint32(1)<<meta.BlockSizeBits)
	fmt.Printf("Original size:    %d bytes\n", meta.OriginalSize)
	fmt.Printf("Inode count:      %d\n", sv.Files)

	var fileCount, dirCount, symCount int
	_ = img.Walk(func(p string, inode uint32) error {
		switch img.Metadata().Partition.ClassOf(inode) {
		case dwarfs.ClassDirectory:
			dirCount++
		case dwarfs.ClassSymlink:
			symCount++
		default:
			if img.Metadata().Partition.ClassOf(inode).IsRegular() {
				fileCount++
			}
		}
		return nil
	})

	fmt.Println("\nContent Summary")
	fmt.Println("---------------")
	fmt.Printf("Directories:      %d\n", dirCount)
	fmt.Printf("Regular files:    %d\n", fileCount)
	fmt.Printf("Symlinks:         %d\n", symCount)

	if hdr := img.Header(); len(hdr) > 0 {
		fmt.Printf("\nLeading header:   %d bytes (image offset autodetected)\n", len(hdr))
	}
	return nil
}
