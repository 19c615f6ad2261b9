package enrich

import (
	"context"

	"github.com/sells-group/tariff-sync/internal/model"
)

// chapterCategories maps 2-digit HTS chapters to coarse categories. Not
// exhaustive; unknown chapters get "general merchandise".
var chapterCategories = map[string]string{
	"01": "live animals",
	"02": "meat products",
	"03": "seafood",
	"04": "dairy products",
	"07": "vegetables",
	"08": "fruits and nuts",
	"09": "coffee, tea and spices",
	"10": "cereals",
	"15": "fats and oils",
	"16": "prepared meats",
	"17": "sugars and confectionery",
	"18": "cocoa products",
	"19": "baked goods and cereals",
	"20": "prepared vegetables and fruits",
	"21": "miscellaneous food",
	"22": "beverages",
	"27": "mineral fuels",
	"28": "inorganic chemicals",
	"29": "organic chemicals",
	"30": "pharmaceuticals",
	"33": "cosmetics and toiletries",
	"39": "plastics",
	"40": "rubber products",
	"42": "leather goods",
	"44": "wood products",
	"48": "paper products",
	"52": "cotton textiles",
	"61": "knit apparel",
	"62": "woven apparel",
	"64": "footwear",
	"69": "ceramics",
	"70": "glassware",
	"71": "jewelry and precious metals",
	"72": "iron and steel",
	"73": "steel articles",
	"76": "aluminum products",
	"84": "machinery",
	"85": "electronics",
	"87": "vehicles and parts",
	"90": "optical and medical instruments",
	"94": "furniture and lighting",
	"95": "toys and sports equipment",
}

// PrefixClassifier maps the HTS chapter to a category table. Deterministic
// and dependency-free, it is the floor the AI path degrades to.
type PrefixClassifier struct{}

func NewPrefixClassifier() *PrefixClassifier {
	return &PrefixClassifier{}
}

func (p *PrefixClassifier) Classify(_ context.Context, htsCode, _ string) (*model.Classification, error) {
	category, ok := chapterCategories[model.ChapterPrefix(htsCode)]
	if !ok {
		category = "general merchandise"
	}
	return &model.Classification{
		Category: category,
		Source:   "prefix",
	}, nil
}

var (
	_ Classifier = (*AIClassifier)(nil)
	_ Classifier = (*PrefixClassifier)(nil)
)
