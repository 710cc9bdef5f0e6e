package sandbox

import "github.com/appforge-io/appforge/pkg/models"

// PackageManager is the JS package manager detected from lockfiles.
type PackageManager string

const (
	Bun  PackageManager = "bun"
	Pnpm PackageManager = "pnpm"
	Npm  PackageManager = "npm"
)

// DetectPackageManager inspects the tracked files for a lockfile.
// bun.lock wins over pnpm-lock.yaml; npm is the fallback.
func DetectPackageManager(files map[string]models.FileRecord) PackageManager {
	if _, ok := files["bun.lock"]; ok {
		return Bun
	}
	if _, ok := files["bun.lockb"]; ok {
		return Bun
	}
	if _, ok := files["pnpm-lock.yaml"]; ok {
		return Pnpm
	}
	return Npm
}

// InstallCommand returns the full dependency install command.
func (pm PackageManager) InstallCommand() string {
	switch pm {
	case Bun:
		return "bun install"
	case Pnpm:
		return "pnpm install"
	default:
		return "npm install"
	}
}

// AddCommand returns the command that installs the named packages.
func (pm PackageManager) AddCommand(packages []string, dev bool) string {
	cmd := ""
	switch pm {
	case Bun:
		cmd = "bun add"
		if dev {
			cmd += " -d"
		}
	case Pnpm:
		cmd = "pnpm add"
		if dev {
			cmd += " -D"
		}
	default:
		cmd = "npm install"
		if dev {
			cmd += " --save-dev"
		}
	}
	for _, p := range packages {
		cmd += " " + p
	}
	return cmd
}

// DevCommand returns the dev-server start command.
func (pm PackageManager) DevCommand() string {
	switch pm {
	case Bun:
		return "bun run dev"
	case Pnpm:
		return "pnpm run dev"
	default:
		return "npm run dev"
	}
}
