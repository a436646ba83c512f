package pipebuilder

import (
	"encoding/json"
	"reflect"

	"github.com/invopop/jsonschema"
	"go.mongodb.org/mongo-driver/v2/bson"
)

var documentType = reflect.TypeOf(bson.D{})

// documentMapper describes bson.D as a JSON object instead of the
// array of {Key, Value} structs reflection would produce.
func documentMapper(t reflect.Type) *jsonschema.Schema {
	if t == documentType {
		return &jsonschema.Schema{Type: "object"}
	}
	return nil
}

// FileSchema returns the JSON Schema of the document written by Persist.
func FileSchema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		ExpandedStruct:             true,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
		Mapper:                     documentMapper,
	}
	schema := reflector.Reflect(&File{})
	schema.Title = "pipebuilder pipeline file"
	return schema
}

// FileSchemaJSON returns FileSchema encoded as indented JSON.
func FileSchemaJSON() ([]byte, error) {
	return json.MarshalIndent(FileSchema(), "", "  ")
}
