package auth

// Environment variables that configure the OPA authorizer.
const (
	OPAQueryEnv            = "OPA_QUERY"
	OPADebugEnv            = "OPA_DEBUG"
	OPAIncludeBodyEnv      = "OPA_INCLUDE_BODY"
	OPAIncludeRawBodyEnv   = "OPA_INCLUDE_RAW_BODY"
	OPAIncludeHeadersEnv   = "OPA_INCLUDE_HEADERS"
	OPAErrorContentTypeEnv = "OPA_CONTENT_TYPE"
	OPAInputSecretsEnv     = "OPA_INPUT_SECRETS"
	OPAInputPrefixEnv      = "OPA_INPUT"
)
