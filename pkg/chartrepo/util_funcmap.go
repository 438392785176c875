package chartrepo

import (
	"text/template"

	"arhat.dev/pkg/textquery"
	"github.com/Masterminds/sprig/v3"
)

func funcMap() template.FuncMap {
	fm := sprig.HermeticTxtFuncMap()
	fm["jq"] = textquery.JQ
	return fm
}
