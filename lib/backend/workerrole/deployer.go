// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package workerrole

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/all3bar/saga-cpp-legacy-projects/lib/backend"
	"github.com/all3bar/saga-cpp-legacy-projects/sdk/go/pilot"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
)

// Tag used to find the instances belonging to a deployment.
const tagKeyDeployment = "pilotjob-deployment"

// Deployment states reported by Deployer.Describe.
const (
	DeploymentPending  = "Pending"
	DeploymentRunning  = "Running"
	DeploymentFailed   = "Failed"
	DeploymentDeleted  = "Deleted"
	DeploymentDeleting = "Deleting"
)

// DeploymentSpec describes a set of worker instances.
type DeploymentSpec struct {
	Name      string
	Instances int
	// Bootstrap script passed to each instance.
	UserData string
}

// DeploymentStatus is a snapshot of a deployment.
type DeploymentStatus struct {
	State   string
	Running int
	Total   int
}

func (ds DeploymentStatus) String() string {
	return fmt.Sprintf("%s (%d/%d instances running)", ds.State, ds.Running, ds.Total)
}

// A Deployer is the control plane that starts and stops worker
// instances.
type Deployer interface {
	Create(context.Context, DeploymentSpec) (id string, err error)
	Describe(ctx context.Context, id string) (DeploymentStatus, error)
	Delete(ctx context.Context, id string) error
}

// ec2API is the subset of *ec2.Client used by EC2Deployer.
type ec2API interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// EC2Deployer runs each deployment as a group of EC2 instances
// sharing a deployment tag.
type EC2Deployer struct {
	client ec2API
	cfg    pilot.EC2Config
}

// NewEC2Deployer returns a Deployer using the EC2 settings in
// cfg. Access keys in cred override the configured ones.
func NewEC2Deployer(ctx context.Context, cfg pilot.EC2Config, cred backend.Credential) (*EC2Deployer, error) {
	if cfg.ImageID == "" {
		return nil, errors.New("WorkerRole.EC2.ImageID is not configured")
	}
	awsCfg, err := loadAWSConfig(ctx, cfg.Region, cfg.AccessKeyID, cfg.SecretAccessKey, cred)
	if err != nil {
		return nil, err
	}
	client := ec2.NewFromConfig(awsCfg, func(o *ec2.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &EC2Deployer{client: client, cfg: cfg}, nil
}

func (d *EC2Deployer) Create(ctx context.Context, spec DeploymentSpec) (string, error) {
	n := int32(spec.Instances)
	if n < 1 {
		n = 1
	}
	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(d.cfg.ImageID),
		InstanceType: types.InstanceType(d.cfg.InstanceType),
		MinCount:     aws.Int32(n),
		MaxCount:     aws.Int32(n),
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags: []types.Tag{
				{Key: aws.String(tagKeyDeployment), Value: aws.String(spec.Name)},
				{Key: aws.String("Name"), Value: aws.String(spec.Name)},
			},
		}},
	}
	if d.cfg.SubnetID != "" {
		input.SubnetId = aws.String(d.cfg.SubnetID)
	}
	if d.cfg.SecurityGroupID != "" {
		input.SecurityGroupIds = []string{d.cfg.SecurityGroupID}
	}
	if d.cfg.KeyPairName != "" {
		input.KeyName = aws.String(d.cfg.KeyPairName)
	}
	if spec.UserData != "" {
		input.UserData = aws.String(base64.StdEncoding.EncodeToString([]byte(spec.UserData)))
	}
	_, err := d.client.RunInstances(ctx, input)
	if err != nil {
		return "", wrapEC2Error("RunInstances", err)
	}
	return spec.Name, nil
}

func (d *EC2Deployer) Describe(ctx context.Context, id string) (DeploymentStatus, error) {
	insts, err := d.instances(ctx, id)
	if err != nil {
		return DeploymentStatus{}, err
	}
	status := DeploymentStatus{Total: len(insts)}
	var pending, gone int
	for _, inst := range insts {
		if inst.State == nil {
			pending++
			continue
		}
		switch inst.State.Name {
		case types.InstanceStateNameRunning:
			status.Running++
		case types.InstanceStateNamePending:
			pending++
		default:
			gone++
		}
	}
	switch {
	case status.Total == 0 || gone == status.Total:
		status.State = DeploymentDeleted
	case gone > 0:
		status.State = DeploymentFailed
	case pending > 0:
		status.State = DeploymentPending
	default:
		status.State = DeploymentRunning
	}
	return status, nil
}

func (d *EC2Deployer) Delete(ctx context.Context, id string) error {
	insts, err := d.instances(ctx, id)
	if err != nil {
		return err
	}
	var ids []string
	for _, inst := range insts {
		if inst.State != nil && inst.State.Name == types.InstanceStateNameTerminated {
			continue
		}
		ids = append(ids, aws.ToString(inst.InstanceId))
	}
	if len(ids) == 0 {
		return nil
	}
	_, err = d.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids})
	return wrapEC2Error("TerminateInstances", err)
}

func (d *EC2Deployer) instances(ctx context.Context, id string) ([]types.Instance, error) {
	var insts []types.Instance
	input := &ec2.DescribeInstancesInput{
		Filters: []types.Filter{{
			Name:   aws.String("tag:" + tagKeyDeployment),
			Values: []string{id},
		}},
	}
	for {
		out, err := d.client.DescribeInstances(ctx, input)
		if err != nil {
			return nil, wrapEC2Error("DescribeInstances", err)
		}
		for _, rsv := range out.Reservations {
			insts = append(insts, rsv.Instances...)
		}
		if aws.ToString(out.NextToken) == "" {
			return insts, nil
		}
		input.NextToken = out.NextToken
	}
}

var ec2ThrottleCodes = map[string]bool{
	"RequestLimitExceeded": true,
	"Throttling":           true,
	"ThrottlingException":  true,
}

// Backoff after the EC2 API reports a rate limit.
var throttleDelay = 15 * time.Second

type rateLimitError struct {
	error
}

func (err rateLimitError) EarliestRetry() time.Time {
	return time.Now().Add(throttleDelay)
}

func (err rateLimitError) Unwrap() error { return err.error }

func wrapEC2Error(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && ec2ThrottleCodes[apiErr.ErrorCode()] {
		return rateLimitError{fmt.Errorf("%s: %w", op, err)}
	}
	return fmt.Errorf("%s: %w", op, err)
}
