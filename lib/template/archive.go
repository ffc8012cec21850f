/*
Copyright 2018 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package template

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gravitational/trace"
)

// transactionDirs are the directories copied out of the transaction-files
// filespace into the template when one is configured (step 6).
var transactionDirs = []string{
	"pg_xlog",
	"pg_multixact",
	"pg_subtrans",
	"pg_clog",
	"pg_distributedlog",
	"pg_distributedxidmap",
}

// scrubEntries are removed from the template before it is archived
// (step 7): log directories, postmaster pid/opts, any
// pre-existing controller artefacts, and filespace flat files.
var scrubEntries = []string{
	"log",
	"pg_log",
	"postmaster.pid",
	"postmaster.opts",
	"gpexpand.status",
	"gpexpand.standby.status",
	"gpexpand.gp_segment_configuration",
}

// copyDir recursively copies the contents of src into dst, creating dst if
// necessary. Directory modes are preserved; file modes are preserved.
func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return trace.Wrap(err)
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return trace.Wrap(err)
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return trace.ConvertSystemError(os.MkdirAll(target, info.Mode()))
		}
		return trace.Wrap(copyFile(path, target, info.Mode()))
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return trace.ConvertSystemError(err)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// copyTransactionDirs copies transactionDirs from filespacePath into
// templateDir, skipping any that do not exist (not every cluster relocates
// every one of them).
func copyTransactionDirs(filespacePath, templateDir string) error {
	for _, name := range transactionDirs {
		src := filepath.Join(filespacePath, name)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		if err := copyDir(src, filepath.Join(templateDir, name)); err != nil {
			return trace.Wrap(err, "failed to copy %v", name)
		}
	}
	return nil
}

// scrub removes scrubEntries and any *.flat file (the filespace flat files)
// from templateDir.
func scrub(templateDir string) error {
	for _, name := range scrubEntries {
		path := filepath.Join(templateDir, name)
		if err := os.RemoveAll(path); err != nil {
			return trace.ConvertSystemError(err)
		}
	}
	entries, err := os.ReadDir(templateDir)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".flat") {
			if err := os.Remove(filepath.Join(templateDir, e.Name())); err != nil {
				return trace.ConvertSystemError(err)
			}
		}
	}
	return nil
}

// overlayFile overwrites dst (inside the template) with the contents of
// src (from the selected HBA source segment), used for pg_hba.conf and
// postgresql.conf (step 5).
func overlayFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	return trace.Wrap(copyFile(src, dst, info.Mode()))
}

// appendLines appends lines to the file at path, creating it if missing.
func appendLines(path string, lines []string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer f.Close()
	for _, line := range lines {
		if _, err := f.WriteString(line + "\n"); err != nil {
			return trace.ConvertSystemError(err)
		}
	}
	return nil
}

// createArchive tars the contents of dir into a single file at tarPath,
// generalized from gravity's archive.CompressDirectory
// (lib/archive/archive.go) with the docker-archive dependency dropped in
// favor of the standard library's archive/tar (no container runtime is
// part of this domain, see DESIGN.md).
func createArchive(dir, tarPath string) error {
	out, err := os.Create(tarPath)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer out.Close()
	tw := tar.NewWriter(out)
	defer tw.Close()

	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return trace.Wrap(err)
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return trace.Wrap(err)
		}
		if rel == "." {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return trace.Wrap(err)
		}
		hdr.Name = rel
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return trace.Wrap(err)
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return trace.ConvertSystemError(err)
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return trace.Wrap(err)
	})
}

// extractArchive extracts tarPath into dir, creating it if necessary.
func extractArchive(tarPath, dir string) error {
	f, err := os.Open(tarPath)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer f.Close()
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return trace.Wrap(err)
		}
		target := filepath.Join(dir, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return trace.ConvertSystemError(err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return trace.ConvertSystemError(err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return trace.ConvertSystemError(err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return trace.Wrap(err)
			}
			out.Close()
		}
	}
}
