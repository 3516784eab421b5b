package rendertemplate

import (
	"testing"
	"time"

	"github.com/tfp-event-fabric/fabric/pkg/test"
)

type RenderTemplateSuite struct {
	test.Suite
}

func TestRenderTemplateSuite(t *testing.T) {
	test.Run(t, new(RenderTemplateSuite))
}

func (s *RenderTemplateSuite) TestDottedPath() {
	ctx := map[string]interface{}{
		"data": map[string]interface{}{
			"id_purchase_order": float64(1021),
			"supplier_name":     "ACME",
		},
	}
	out := Render("Order {{data.id_purchase_order}} from {{data.supplier_name}}", ctx)
	s.Equal("Order 1021 from ACME", out)
}

func (s *RenderTemplateSuite) TestMissingPathRendersEmpty() {
	out := Render("[{{missing.path}}]", map[string]interface{}{})
	s.Equal("[]", out)
}

func (s *RenderTemplateSuite) TestEachIteratesList() {
	ctx := map[string]interface{}{
		"items": []interface{}{
			map[string]interface{}{"name": "a"},
			map[string]interface{}{"name": "b"},
		},
	}
	out := Render("{{#each items}}{{name}},{{/each}}", ctx)
	s.Equal("a,b,", out)
}

func (s *RenderTemplateSuite) TestIfElse() {
	ctx := map[string]interface{}{"flag": true}
	out := Render("{{#if flag}}yes{{else}}no{{/if}}", ctx)
	s.Equal("yes", out)

	ctx2 := map[string]interface{}{"flag": false}
	out2 := Render("{{#if flag}}yes{{else}}no{{/if}}", ctx2)
	s.Equal("no", out2)
}

func (s *RenderTemplateSuite) TestEqHelper() {
	ctx := map[string]interface{}{"a": "FOO", "b": "foo"}
	out := Render("{{eq a b}}", ctx)
	s.Equal("true", out)
}

func (s *RenderTemplateSuite) TestNowPattern() {
	out := Render(`{{now "DD/MM/YYYY"}}`, map[string]interface{}{})
	expected := time.Now().Format("02/01/2006")
	s.Equal(expected, out)
}

func (s *RenderTemplateSuite) TestNowShorthandPreprocessing() {
	out := Render(`{{now:YYYY}}`, map[string]interface{}{})
	expected := time.Now().Format("2006")
	s.Equal(expected, out)
}

func (s *RenderTemplateSuite) TestYearTokenOrderDoesNotCorrupt() {
	outFull := Render(`{{now "YYYY"}}`, map[string]interface{}{})
	outShort := Render(`{{now "YY"}}`, map[string]interface{}{})
	s.Len(outFull, 4)
	s.Len(outShort, 2)
}

func (s *RenderTemplateSuite) TestRenderNeverPanicsOnMalformedTemplate() {
	out := Render("{{#each broken", map[string]interface{}{})
	s.Equal("{{#each broken", out)
}
