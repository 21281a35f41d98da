package backup

import (
	"fmt"
	"strconv"

	"github.com/go-playground/validator/v10"
)

// Keys of the data handed to cluster task blocks and providers.
const (
	DataName             = "backup_name"
	DataExternalLocation = "external_location"
	DataLocalLocation    = "local_location"
	DataS3AccessKey      = "s3_access_key"
	DataS3SecretKey      = "s3_secret_key"
	DataAzureAccount     = "azure_account"
	DataAzureKey         = "azure_key"
	DataUsesEmc          = "uses_emc"
)

// Context parameterises one backup or restore. It is persisted as JSON
// under the property key of the operation.
type Context struct {
	Name             string `json:"name" yaml:"name" validate:"required"`
	ExternalLocation string `json:"external_location" yaml:"external_location" validate:"required"`
	LocalLocation    string `json:"local_location" yaml:"local_location" validate:"required"`
	S3AccessKey      string `json:"s3_access_key,omitempty" yaml:"s3_access_key,omitempty"`
	S3SecretKey      string `json:"s3_secret_key,omitempty" yaml:"s3_secret_key,omitempty" validate:"required_with=S3AccessKey"`
	AzureAccount     string `json:"azure_account,omitempty" yaml:"azure_account,omitempty"`
	AzureKey         string `json:"azure_key,omitempty" yaml:"azure_key,omitempty" validate:"required_with=AzureAccount"`
	UsesEmc          bool   `json:"uses_emc,omitempty" yaml:"uses_emc,omitempty"`
}

var validate = validator.New()

// Validate checks the context before an operation starts.
func (c *Context) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid backup context: %w", err)
	}
	return nil
}

// Data flattens the context into block data.
func (c *Context) Data() map[string]string {
	data := map[string]string{
		DataName:             c.Name,
		DataExternalLocation: c.ExternalLocation,
		DataLocalLocation:    c.LocalLocation,
	}
	set := func(k, v string) {
		if v != "" {
			data[k] = v
		}
	}
	set(DataS3AccessKey, c.S3AccessKey)
	set(DataS3SecretKey, c.S3SecretKey)
	set(DataAzureAccount, c.AzureAccount)
	set(DataAzureKey, c.AzureKey)
	if c.UsesEmc {
		data[DataUsesEmc] = "true"
	}
	return data
}

// ContextFromData is the inverse of Context.Data.
func ContextFromData(data map[string]string) Context {
	emc, _ := strconv.ParseBool(data[DataUsesEmc])
	return Context{
		Name:             data[DataName],
		ExternalLocation: data[DataExternalLocation],
		LocalLocation:    data[DataLocalLocation],
		S3AccessKey:      data[DataS3AccessKey],
		S3SecretKey:      data[DataS3SecretKey],
		AzureAccount:     data[DataAzureAccount],
		AzureKey:         data[DataAzureKey],
		UsesEmc:          emc,
	}
}

// Env returns the environment passed to the task running the operation.
func (c *Context) Env() map[string]string {
	env := map[string]string{
		"BACKUP_NAME":       c.Name,
		"EXTERNAL_LOCATION": c.ExternalLocation,
		"LOCAL_LOCATION":    c.LocalLocation,
		"USES_EMC":          strconv.FormatBool(c.UsesEmc),
	}
	if c.S3AccessKey != "" {
		env["AWS_ACCESS_KEY_ID"] = c.S3AccessKey
		env["AWS_SECRET_ACCESS_KEY"] = c.S3SecretKey
	}
	if c.AzureAccount != "" {
		env["AZURE_ACCOUNT"] = c.AzureAccount
		env["AZURE_KEY"] = c.AzureKey
	}
	return env
}
