package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"orchestrator/internal/subscription/lifecycle"
)

// Catalog is the set of definitions loaded from schema files.
type Catalog struct {
	// Types holds every variant, loosest variants of a block before stricter ones.
	Types    []*BlockType
	Products []Product
}

// Type returns the variant with the given name.
func (c *Catalog) Type(name string) (*BlockType, bool) {
	for _, t := range c.Types {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

type hclFile struct {
	BlockTypes   []hclBlockType `hcl:"block_type,block"`
	ProductTypes []hclBlockType `hcl:"product_type,block"`
	Products     []hclProduct   `hcl:"product,block"`
}

type hclBlockType struct {
	Name      string     `hcl:"name,label"`
	Block     string     `hcl:"block,optional"`
	Extends   string     `hcl:"extends,optional"`
	Lifecycle []string   `hcl:"lifecycle,optional"`
	Fields    []hclField `hcl:"field,block"`
}

type hclField struct {
	Name string `hcl:"name,label"`
	Type string `hcl:"type"`
}

type hclProduct struct {
	Ref         string            `hcl:"ref,label"`
	Type        string            `hcl:"type"`
	Tag         string            `hcl:"tag,optional"`
	Description string            `hcl:"description,optional"`
	FixedInputs map[string]string `hcl:"fixed_inputs,optional"`
}

// LoadDir parses every *.hcl file in dir (sorted by name) into one Catalog.
//
// A file declares variants and products:
//
//	block_type "PortBlockInactive" {
//	  block     = "PortBlock"
//	  lifecycle = ["initial", "terminated"]
//	  field "speed" { type = "optional(int)" }
//	}
//	block_type "PortBlock" {
//	  extends   = "PortBlockInactive"
//	  lifecycle = ["active"]
//	  field "speed" { type = "int" }
//	}
//	product "port-10g" {
//	  type         = "PortProduct"
//	  fixed_inputs = { speed = "10000" }
//	}
func LoadDir(dir string) (*Catalog, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.hcl"))
	if err != nil {
		return nil, fmt.Errorf("list schema files in %s: %w", dir, err)
	}
	sort.Strings(paths)

	parser := hclparse.NewParser()
	var files []*hcl.File
	for _, path := range paths {
		f, diags := parser.ParseHCLFile(path)
		if diags.HasErrors() {
			return nil, fmt.Errorf("parse schema file %s: %w", path, diags)
		}
		files = append(files, f)
	}
	return decode(files)
}

// LoadSource parses a single in-memory schema document.
func LoadSource(filename string, src []byte) (*Catalog, error) {
	f, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse schema %s: %w", filename, diags)
	}
	return decode([]*hcl.File{f})
}

// LoadFile parses one schema file.
func LoadFile(path string) (*Catalog, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file %s: %w", path, err)
	}
	return LoadSource(path, src)
}

func decode(files []*hcl.File) (*Catalog, error) {
	var decls []hclBlockType
	kinds := map[string]Kind{}
	cat := &Catalog{}

	for _, f := range files {
		var doc hclFile
		if diags := gohcl.DecodeBody(f.Body, nil, &doc); diags.HasErrors() {
			return nil, fmt.Errorf("decode schema: %w", diags)
		}
		for _, bt := range doc.BlockTypes {
			if _, dup := kinds[bt.Name]; dup {
				return nil, fmt.Errorf("block type %s declared twice", bt.Name)
			}
			kinds[bt.Name] = KindBlock
			decls = append(decls, bt)
		}
		for _, pt := range doc.ProductTypes {
			if _, dup := kinds[pt.Name]; dup {
				return nil, fmt.Errorf("block type %s declared twice", pt.Name)
			}
			kinds[pt.Name] = KindProduct
			decls = append(decls, pt)
		}
		for _, p := range doc.Products {
			cat.Products = append(cat.Products, Product{
				Ref:         p.Ref,
				Type:        p.Type,
				Tag:         p.Tag,
				Description: p.Description,
				FixedInputs: p.FixedInputs,
			})
		}
	}

	byName := map[string]hclBlockType{}
	for _, d := range decls {
		byName[d.Name] = d
	}
	built := map[string]*BlockType{}
	var build func(name string, visiting map[string]bool) (*BlockType, error)
	build = func(name string, visiting map[string]bool) (*BlockType, error) {
		if t, ok := built[name]; ok {
			return t, nil
		}
		d, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown block type %s", name)
		}
		if visiting[name] {
			return nil, fmt.Errorf("block type %s: extends cycle", name)
		}
		visiting[name] = true

		t := &BlockType{Name: d.Name, Block: d.Block, Kind: kinds[d.Name]}
		if d.Extends != "" {
			parent, err := build(d.Extends, visiting)
			if err != nil {
				return nil, fmt.Errorf("block type %s: %w", d.Name, err)
			}
			t.Extends = parent
			if t.Block == "" {
				t.Block = parent.Block
			}
			if t.Block != parent.Block {
				return nil, fmt.Errorf("block type %s: block %s differs from %s", d.Name, t.Block, parent.Block)
			}
		}
		if t.Block == "" {
			t.Block = d.Name
		}
		for _, s := range d.Lifecycle {
			st, err := lifecycle.ParseStatus(s)
			if err != nil {
				return nil, fmt.Errorf("block type %s: %w", d.Name, err)
			}
			t.Lifecycle = append(t.Lifecycle, st)
		}
		for _, f := range d.Fields {
			t.Fields = append(t.Fields, FieldDecl{Name: f.Name, Type: f.Type})
		}
		built[name] = t
		cat.Types = append(cat.Types, t)
		return t, nil
	}

	for _, d := range decls {
		t, err := build(d.Name, map[string]bool{})
		if err != nil {
			return nil, err
		}
		if _, err := Introspect(t); err != nil {
			return nil, err
		}
	}
	return cat, nil
}
