package registry

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/muhammadmuzzammil1998/jsonc"

	"filtersync/model"
)

//go:embed catalog.jsonc
var builtinCatalog []byte

// CatalogFilter 内置过滤器描述
type CatalogFilter struct {
	ID      model.FilterID `json:"filterId"`
	GroupID model.GroupID  `json:"groupId"`
	Name    string         `json:"name"`
	Expires int            `json:"expires"`
	Default bool           `json:"default"`
}

// Catalog 内置过滤器与分组
type Catalog struct {
	Groups  []model.GroupRecord `json:"groups"`
	Filters []CatalogFilter     `json:"filters"`
}

// ParseCatalog 解析带注释的 JSON 目录
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := json.Unmarshal(jsonc.ToJSON(data), &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	for _, f := range c.Filters {
		if f.ID >= model.CustomFilterIDStart || f.ID == model.UserFilterID || f.ID == model.AllowlistFilterID {
			return nil, fmt.Errorf("parse catalog: reserved filter id %d", f.ID)
		}
	}
	return &c, nil
}

// BuiltinCatalog 返回内嵌目录
func BuiltinCatalog() *Catalog {
	c, err := ParseCatalog(builtinCatalog)
	if err != nil {
		panic(err)
	}
	return c
}
