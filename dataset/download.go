package dataset

import (
	"archive/tar"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

var downloadClient = &http.Client{Timeout: 30 * time.Minute}

// DownloadAndExtract fetches the archive for a year into root and unpacks it.
// An already extracted layout is left alone; an existing archive with a good
// checksum is reused instead of downloading again.
func DownloadAndExtract(root, year string) error {
	release, ok := vocReleases[year]
	if !ok {
		return fmt.Errorf("unsupported year %q, expected 2007 through 2012", year)
	}

	baseDir := filepath.Join(root, release.BaseDir)
	if _, err := os.Stat(filepath.Join(baseDir, "ImageSets", "Segmentation")); err == nil {
		klog.V(1).Infof("dataset already extracted at %s", baseDir)
		return nil
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("failed to create dataset root: %w", err)
	}

	archivePath := filepath.Join(root, release.Archive)
	if err := verifyMD5(archivePath, release.MD5); err != nil {
		klog.Infof("downloading %s", release.URL)
		if err := downloadFile(release.URL, archivePath); err != nil {
			return err
		}
		if err := verifyMD5(archivePath, release.MD5); err != nil {
			return fmt.Errorf("downloaded archive is corrupt: %w", err)
		}
	} else {
		klog.Infof("reusing archive %s", archivePath)
	}

	klog.Infof("extracting %s", archivePath)
	if err := extractTar(archivePath, root); err != nil {
		return err
	}

	if _, err := os.Stat(filepath.Join(baseDir, "ImageSets", "Segmentation")); err != nil {
		return fmt.Errorf("archive did not produce the expected layout at %s", baseDir)
	}
	return nil
}

func downloadFile(url, dest string) error {
	resp, err := downloadClient.Get(url)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download %s: status %d", url, resp.StatusCode)
	}

	// Write to a partial file first so an interrupted download never looks
	// like a finished archive.
	partial := dest + ".partial"
	out, err := os.Create(partial)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", partial, err)
	}

	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(partial)
		return fmt.Errorf("failed to write archive: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(partial)
		return fmt.Errorf("failed to close archive: %w", err)
	}

	return os.Rename(partial, dest)
}

func verifyMD5(path, want string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("failed to hash %s: %w", path, err)
	}

	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, want) {
		return fmt.Errorf("checksum mismatch for %s: got %s, want %s", path, got, want)
	}
	return nil
}

func extractTar(archivePath, root string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read archive: %w", err)
		}

		target, err := securePath(root, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("failed to create %s: %w", filepath.Dir(target), err)
			}
			out, err := os.Create(target)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", target, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("failed to extract %s: %w", hdr.Name, err)
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("failed to close %s: %w", target, err)
			}
		default:
			// Symlinks and devices do not occur in these archives.
			klog.V(1).Infof("skipping archive entry %s (type %d)", hdr.Name, hdr.Typeflag)
		}
	}
	return nil
}

// securePath joins an archive entry name to the extraction root, rejecting
// names that would escape it.
func securePath(root, name string) (string, error) {
	target := filepath.Join(root, name)
	if target != filepath.Clean(root) && !strings.HasPrefix(target, filepath.Clean(root)+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry %q escapes the extraction directory", name)
	}
	return target, nil
}
