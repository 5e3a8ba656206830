package sagemaker

import (
	"fmt"
	"strings"
)

const (
	transformersVersion = "4.26.0"
	pytorchVersion      = "1.13.1"
	pythonVersion       = "py39"
	imageOS             = "ubuntu20.04"

	defaultDLCAccount = "763104351884"
)

// Regions whose deep learning containers are published from a different
// account than the default one.
var dlcAccounts = map[string]string{
	"af-south-1":     "626614931356",
	"ap-east-1":      "871362719292",
	"ap-southeast-3": "907027046896",
	"eu-south-1":     "692866216735",
	"me-south-1":     "217643126080",
	"cn-north-1":     "727897471807",
	"cn-northwest-1": "727897471807",
}

// HuggingFaceImage returns the Hugging Face PyTorch inference container for
// region, picking the GPU build for accelerated instance families.
func HuggingFaceImage(region, instanceType string) (string, error) {
	if region == "" {
		return "", fmt.Errorf("could not find image: region is not set")
	}
	account, ok := dlcAccounts[region]
	if !ok {
		account = defaultDLCAccount
	}
	domain := "amazonaws.com"
	if strings.HasPrefix(region, "cn-") {
		domain = "amazonaws.com.cn"
	}
	device := "cpu"
	if isGPUInstance(instanceType) {
		device = "gpu-cu117"
	}
	return fmt.Sprintf("%s.dkr.ecr.%s.%s/huggingface-pytorch-inference:%s-transformers%s-%s-%s-%s",
		account, region, domain, pytorchVersion, transformersVersion, device, pythonVersion, imageOS), nil
}

func isGPUInstance(instanceType string) bool {
	family := strings.TrimPrefix(instanceType, "ml.")
	return strings.HasPrefix(family, "g") || strings.HasPrefix(family, "p")
}
