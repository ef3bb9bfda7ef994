package resolver

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
)

// WriteBundle streams a tar.gz of the given artifacts to w. Entries are named
// by artifact name so the archive is flat.
func WriteBundle(w io.Writer, jobDir string, artifacts []Artifact) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	for _, a := range artifacts {
		if err := addToBundle(tw, jobDir, a); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("close gzip: %w", err)
	}
	return nil
}

func addToBundle(tw *tar.Writer, jobDir string, a Artifact) error {
	f, err := Open(jobDir, a)
	if err != nil {
		return fmt.Errorf("open %s: %w", a.Name, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", a.Name, err)
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("tar header %s: %w", a.Name, err)
	}
	header.Name = a.Name

	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("write %s to tar: %w", a.Name, err)
	}
	return nil
}
