//go:build governance

package core_test

import (
	"go/types"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

const modulePath = "github.com/leapstack-labs/leapsync"

// allowedAliases lists the core types a package may re-export, keyed by
// package path relative to the module.
var allowedAliases = map[string]map[string]bool{
	"pkg/adapter": {"Config": true},
}

// TestGovernance_NoCoreAliasReexports ensures packages use core types
// directly instead of re-exporting them as aliases.
func TestGovernance_NoCoreAliasReexports(t *testing.T) {
	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedImports | packages.NeedTypes,
	}
	pkgs, err := packages.Load(cfg, modulePath+"/...")
	if err != nil {
		t.Fatalf("Failed to load packages: %v", err)
	}

	corePath := modulePath + "/pkg/core"
	for _, pkg := range pkgs {
		if len(pkg.Errors) > 0 || pkg.PkgPath == corePath || pkg.Types == nil {
			continue
		}
		rel := strings.TrimPrefix(pkg.PkgPath, modulePath+"/")

		scope := pkg.Types.Scope()
		for _, name := range scope.Names() {
			typeName, ok := scope.Lookup(name).(*types.TypeName)
			if !ok || !typeName.Exported() || !typeName.IsAlias() {
				continue
			}
			named, ok := types.Unalias(typeName.Type()).(*types.Named)
			if !ok || named.Obj().Pkg() == nil || named.Obj().Pkg().Path() != corePath {
				continue
			}
			if allowedAliases[rel][name] {
				continue
			}
			t.Errorf("PURITY VIOLATION: package '%s' re-exports core.%s as '%s'.\n"+
				"   Fix: remove the alias and use core.%s directly.",
				rel, named.Obj().Name(), name, named.Obj().Name())
		}
	}
}

// TestGovernance_CoreIsLeaf verifies no package in pkg/core's import graph
// belongs to this module.
func TestGovernance_CoreIsLeaf(t *testing.T) {
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports | packages.NeedDeps}
	pkgs, err := packages.Load(cfg, modulePath+"/pkg/core")
	if err != nil {
		t.Fatalf("Failed to load packages: %v", err)
	}
	packages.Visit(pkgs, func(p *packages.Package) bool {
		if p.PkgPath != modulePath+"/pkg/core" && strings.HasPrefix(p.PkgPath, modulePath+"/") {
			t.Errorf("pkg/core depends on %s", p.PkgPath)
		}
		return true
	}, nil)
}
