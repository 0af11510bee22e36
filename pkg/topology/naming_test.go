package topology

import "testing"

func TestActionSuffix(t *testing.T) {
	tests := []struct {
		region string
		want   string
	}{
		{"us-gov-west-1", "USGW1"},
		{"us-gov-east-1", "USGE1"},
		{"us-east-1", "USE1"},
		{"us-west-2", "USW2"},
		{"eu-central-1", "EUC1"},
		{"ap-southeast-2", "APS2"},
	}

	for _, tt := range tests {
		t.Run(tt.region, func(t *testing.T) {
			if got := ActionSuffix(tt.region); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestNamingHelpers(t *testing.T) {
	if got := ActionName("TransitInit", "us-gov-west-1"); got != "TransitInit-USGW1" {
		t.Errorf("Expected TransitInit-USGW1, got %s", got)
	}
	if got := OUName("us-gov-west-1", DefaultEnvironment); got != "environment-usgw1" {
		t.Errorf("Expected environment-usgw1, got %s", got)
	}
	if got := OUName("us-gov-east-1", "prod"); got != "environment-usge1-prod" {
		t.Errorf("Expected environment-usge1-prod, got %s", got)
	}
	if got := PipelineName(DefaultEnvironment); got != "environment-pipeline" {
		t.Errorf("Expected environment-pipeline, got %s", got)
	}
	if got := PipelineName("prod"); got != "environment-pipeline-prod" {
		t.Errorf("Expected environment-pipeline-prod, got %s", got)
	}
	if got := S3Region("us-gov-east-1"); got != "s3-us-gov-east-1" {
		t.Errorf("Expected s3-us-gov-east-1, got %s", got)
	}
	if got := S3Region("us-east-1"); got != "s3" {
		t.Errorf("Expected s3, got %s", got)
	}
	if got := StageEnvironment("alpha2"); got != "alpha" {
		t.Errorf("Expected alpha, got %s", got)
	}
	if got := StageEnvironment("prod"); got != "prod" {
		t.Errorf("Expected prod, got %s", got)
	}
	if got := RepositoryName(PluginSource("sample")); got != "compliant-framework-plugin-sample" {
		t.Errorf("Expected compliant-framework-plugin-sample, got %s", got)
	}
}
