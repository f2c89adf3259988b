package image

import (
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"howett.net/plist"
)

var installerAppName = regexp.MustCompile(`(?i)^install (macos|os x|mac os x) (.+)\.app$`)

// macOSReleases maps installer marketing names to version numbers.
var macOSReleases = map[string]string{
	"sequoia":     "15",
	"sonoma":      "14",
	"ventura":     "13",
	"monterey":    "12",
	"big sur":     "11",
	"catalina":    "10.15",
	"mojave":      "10.14",
	"high sierra": "10.13",
	"sierra":      "10.12",
	"el capitan":  "10.11",
}

type installInfo struct {
	SystemImageInfo struct {
		Version string `plist:"version"`
	} `plist:"System Image Info"`
}

type appInfo struct {
	DisplayName     string `plist:"CFBundleDisplayName"`
	PlatformVersion string `plist:"DTPlatformVersion"`
}

// versionFromAppName maps "Install macOS Sonoma.app" to "14".
func versionFromAppName(name string) string {
	m := installerAppName.FindStringSubmatch(name)
	if m == nil {
		return ""
	}
	return macOSReleases[strings.ToLower(strings.TrimSpace(m[2]))]
}

// versionFromPlists prefers the installer's InstallInfo.plist, then the
// marketing name, then the app bundle's platform version.
func versionFromPlists(appName string, installInfoPlist, infoPlist []byte) string {
	if len(installInfoPlist) > 0 {
		var ii installInfo
		if _, err := plist.Unmarshal(installInfoPlist, &ii); err == nil && ii.SystemImageInfo.Version != "" {
			return ii.SystemImageInfo.Version
		}
	}
	if v := versionFromAppName(appName); v != "" {
		return v
	}
	if len(infoPlist) > 0 {
		var ai appInfo
		if _, err := plist.Unmarshal(infoPlist, &ai); err == nil {
			if v := versionFromAppName(ai.DisplayName + ".app"); v != "" {
				return v
			}
			return ai.PlatformVersion
		}
	}
	return ""
}

// isInstallerBundle checks an app directory on the host filesystem.
func isInstallerBundle(dir string) bool {
	if !installerAppName.MatchString(filepath.Base(dir)) {
		return false
	}
	for _, marker := range []string{
		filepath.Join(dir, "Contents", "SharedSupport"),
		filepath.Join(dir, "Contents", "Resources", "createinstallmedia"),
	} {
		if _, err := os.Stat(marker); err == nil {
			return true
		}
	}
	return false
}

// installerInTree finds an installer app inside an image's directory index.
func installerInTree(t *tree) (string, bool) {
	for _, d := range t.dirsMatching(func(base string) bool { return installerAppName.MatchString(base) }) {
		if t.hasDir(path.Join(d, "contents/sharedsupport")) || t.hasFile(path.Join(d, "contents/resources/createinstallmedia")) {
			return d, true
		}
	}
	return "", false
}

// hasUDIFTrailer reports whether the last 512 bytes start with the "koly"
// signature of an Apple disk image.
func hasUDIFTrailer(r io.ReaderAt, size int64) bool {
	if size < 512 {
		return false
	}
	buf := make([]byte, 4)
	if _, err := r.ReadAt(buf, size-512); err != nil {
		return false
	}
	return string(buf) == "koly"
}

func readOptional(p string) []byte {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil
	}
	return data
}
