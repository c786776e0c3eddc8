package plugin

// ManifestSchema is the JSON Schema for out-of-process module manifests (plugin.json)
const ManifestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["module", "version", "main"],
  "properties": {
    "module": {
      "type": "string",
      "minLength": 1,
      "description": "Module name matched against the plugin registry"
    },
    "version": {
      "type": "string",
      "minLength": 1,
      "description": "Semver version"
    },
    "main": {
      "type": "string",
      "minLength": 1,
      "description": "Executable path relative to the manifest"
    },
    "description": {
      "type": "string"
    },
    "requires": {
      "type": "string",
      "description": "Semver constraint on the host version (e.g., >=0.3.0)"
    }
  }
}`

// CustomPluginSchema is the JSON Schema for one runtime-defined plugin entry
const CustomPluginSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "version", "tools"],
  "properties": {
    "name": {
      "type": "string",
      "pattern": "^[a-z0-9][a-z0-9-]*$"
    },
    "version": {
      "type": "string",
      "minLength": 1
    },
    "description": {
      "type": "string"
    },
    "enabled": {
      "type": "boolean"
    },
    "tools": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "description"],
        "properties": {
          "name": {
            "type": "string",
            "pattern": "^[A-Za-z][A-Za-z0-9_]*$"
          },
          "description": {
            "type": "string"
          },
          "parameters": {
            "type": "object"
          },
          "executorCode": {
            "type": "string"
          }
        }
      }
    }
  }
}`
