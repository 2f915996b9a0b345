package provider

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/kamvdi/vdi-control-plane/internal/metrics"
)

// ec2API is the slice of the EC2 client the adapter uses; tests substitute
// a scripted implementation.
type ec2API interface {
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, opts ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, opts ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	StartInstances(ctx context.Context, in *ec2.StartInstancesInput, opts ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	StopInstances(ctx context.Context, in *ec2.StopInstancesInput, opts ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
	RebootInstances(ctx context.Context, in *ec2.RebootInstancesInput, opts ...func(*ec2.Options)) (*ec2.RebootInstancesOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, opts ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeImages(ctx context.Context, in *ec2.DescribeImagesInput, opts ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	DescribeSubnets(ctx context.Context, in *ec2.DescribeSubnetsInput, opts ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error)
}

// RetryPolicy bounds the retry loop around every EC2 call. Values come
// from configuration so tests can shrink them.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 4
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 250 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 2 * time.Second
	}
	return p
}

type EC2Client struct {
	client       ec2API
	region       string
	instanceType string
	subnetID     string
	security     []string
	callTimeout  time.Duration
	retry        RetryPolicy
}

type EC2Options struct {
	Region        string
	InstanceType  string
	SubnetID      string
	SecurityGroup []string
	CallTimeout   time.Duration
	Retry         RetryPolicy
}

func NewEC2Client(ctx context.Context, opts EC2Options) (*EC2Client, error) {
	if strings.TrimSpace(opts.Region) == "" {
		return nil, fmt.Errorf("region is required")
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	instanceType := strings.TrimSpace(opts.InstanceType)
	if instanceType == "" {
		instanceType = "t3.large"
	}
	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &EC2Client{
		client:       ec2.NewFromConfig(cfg),
		region:       opts.Region,
		instanceType: instanceType,
		subnetID:     strings.TrimSpace(opts.SubnetID),
		security:     opts.SecurityGroup,
		callTimeout:  callTimeout,
		retry:        opts.Retry.withDefaults(),
	}, nil
}

func (c *EC2Client) CreateVM(ctx context.Context, spec VMSpec) (string, error) {
	if strings.TrimSpace(spec.ImageID) == "" {
		return "", fmt.Errorf("%w: image id is required", ErrRejected)
	}
	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(spec.ImageID),
		InstanceType: ec2types.InstanceType(c.instanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		HibernationOptions: &ec2types.HibernationOptionsRequest{
			Configured: aws.Bool(true),
		},
		TagSpecifications: []ec2types.TagSpecification{
			{
				ResourceType: ec2types.ResourceTypeInstance,
				Tags: []ec2types.Tag{
					{Key: aws.String("Name"), Value: aws.String("vdi-desktop-" + spec.DesktopID)},
					{Key: aws.String("ManagedBy"), Value: aws.String("vdi-control-plane")},
					{Key: aws.String("VdiDesktopID"), Value: aws.String(spec.DesktopID)},
					{Key: aws.String("VdiTenantID"), Value: aws.String(spec.TenantID)},
				},
			},
		},
	}
	subnet := c.subnetID
	if spec.NetworkID != "" {
		subnet = spec.NetworkID
	}
	if subnet != "" {
		eni := ec2types.InstanceNetworkInterfaceSpecification{
			DeviceIndex: aws.Int32(0),
			SubnetId:    aws.String(subnet),
		}
		if len(c.security) > 0 {
			eni.Groups = c.security
		}
		input.NetworkInterfaces = []ec2types.InstanceNetworkInterfaceSpecification{eni}
	} else if len(c.security) > 0 {
		input.SecurityGroupIds = c.security
	}
	if spec.DiskGB > 0 {
		input.BlockDeviceMappings = []ec2types.BlockDeviceMapping{
			{
				DeviceName: aws.String("/dev/sda1"),
				Ebs: &ec2types.EbsBlockDevice{
					VolumeSize: aws.Int32(int32(spec.DiskGB)),
					Encrypted:  aws.Bool(true),
				},
			},
		}
	}

	var out *ec2.RunInstancesOutput
	err := c.call(ctx, "run_instances", func(callCtx context.Context) error {
		var runErr error
		out, runErr = c.client.RunInstances(callCtx, input)
		return runErr
	})
	if err != nil {
		return "", classify("run instances", err)
	}
	if len(out.Instances) == 0 || out.Instances[0].InstanceId == nil {
		return "", fmt.Errorf("%w: run instances returned no instance", ErrUnavailable)
	}
	return aws.ToString(out.Instances[0].InstanceId), nil
}

func (c *EC2Client) DeleteVM(ctx context.Context, providerID string) error {
	if strings.TrimSpace(providerID) == "" {
		return nil
	}
	err := c.call(ctx, "terminate_instances", func(callCtx context.Context) error {
		_, termErr := c.client.TerminateInstances(callCtx, &ec2.TerminateInstancesInput{
			InstanceIds: []string{providerID},
		})
		return termErr
	})
	if err != nil {
		if isGoneError(err) {
			return nil
		}
		return classify("terminate instance", err)
	}
	return nil
}

func (c *EC2Client) Power(ctx context.Context, providerID string, action PowerAction) error {
	var op string
	var fn func(context.Context) error
	switch action {
	case PowerOn, PowerResume:
		op = "start_instances"
		fn = func(callCtx context.Context) error {
			_, err := c.client.StartInstances(callCtx, &ec2.StartInstancesInput{InstanceIds: []string{providerID}})
			return err
		}
	case PowerOff:
		op = "stop_instances"
		fn = func(callCtx context.Context) error {
			_, err := c.client.StopInstances(callCtx, &ec2.StopInstancesInput{InstanceIds: []string{providerID}})
			return err
		}
	case PowerSuspend:
		op = "stop_instances_hibernate"
		fn = func(callCtx context.Context) error {
			_, err := c.client.StopInstances(callCtx, &ec2.StopInstancesInput{
				InstanceIds: []string{providerID},
				Hibernate:   aws.Bool(true),
			})
			return err
		}
	case PowerRestart:
		op = "reboot_instances"
		fn = func(callCtx context.Context) error {
			_, err := c.client.RebootInstances(callCtx, &ec2.RebootInstancesInput{InstanceIds: []string{providerID}})
			return err
		}
	default:
		return fmt.Errorf("%w: unsupported power action %q", ErrRejected, action)
	}
	if err := c.call(ctx, op, fn); err != nil {
		return classify(op, err)
	}
	return nil
}

func (c *EC2Client) GetState(ctx context.Context, providerID string) (VMState, error) {
	var out *ec2.DescribeInstancesOutput
	err := c.call(ctx, "describe_instances", func(callCtx context.Context) error {
		var descErr error
		out, descErr = c.client.DescribeInstances(callCtx, &ec2.DescribeInstancesInput{
			InstanceIds: []string{providerID},
		})
		return descErr
	})
	if err != nil {
		return VMState{}, classify("describe instances", err)
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			if inst.State != nil {
				return VMState{
					State:     string(inst.State.Name),
					PrivateIP: aws.ToString(inst.PrivateIpAddress),
				}, nil
			}
		}
	}
	return VMState{}, fmt.Errorf("%w: instance %s not found", ErrRejected, providerID)
}

func (c *EC2Client) ListImages(ctx context.Context) ([]Item, error) {
	var out *ec2.DescribeImagesOutput
	err := c.call(ctx, "describe_images", func(callCtx context.Context) error {
		var descErr error
		out, descErr = c.client.DescribeImages(callCtx, &ec2.DescribeImagesInput{
			Owners: []string{"self"},
			Filters: []ec2types.Filter{
				{Name: aws.String("platform"), Values: []string{"windows"}},
				{Name: aws.String("state"), Values: []string{"available"}},
			},
		})
		return descErr
	})
	if err != nil {
		return nil, classify("describe images", err)
	}
	items := make([]Item, 0, len(out.Images))
	for _, img := range out.Images {
		items = append(items, Item{
			ID:          aws.ToString(img.ImageId),
			Description: aws.ToString(img.Description),
		})
	}
	return items, nil
}

func (c *EC2Client) ListNetworks(ctx context.Context) ([]Item, error) {
	var out *ec2.DescribeSubnetsOutput
	err := c.call(ctx, "describe_subnets", func(callCtx context.Context) error {
		var descErr error
		out, descErr = c.client.DescribeSubnets(callCtx, &ec2.DescribeSubnetsInput{})
		return descErr
	})
	if err != nil {
		return nil, classify("describe subnets", err)
	}
	items := make([]Item, 0, len(out.Subnets))
	for _, sn := range out.Subnets {
		items = append(items, Item{
			ID:          aws.ToString(sn.SubnetId),
			Description: aws.ToString(sn.CidrBlock),
		})
	}
	return items, nil
}

// call wraps one logical EC2 operation with a per-call timeout, bounded
// retries for transient failures, and op-level metrics.
func (c *EC2Client) call(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	err := c.retryEC2(ctx, op, func(attemptCtx context.Context) error {
		callCtx, cancel := context.WithTimeout(attemptCtx, c.callTimeout)
		defer cancel()
		return fn(callCtx)
	})
	durMS := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
	}
	labels := map[string]string{"op": op, "region": c.region, "status": status}
	metrics.Default().IncCounter("vdi_provider_operations_total", labels)
	metrics.Default().ObserveHistogram("vdi_provider_operation_latency_ms", durMS, labels)
	return err
}

func (c *EC2Client) retryEC2(ctx context.Context, opName string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransientEC2Error(err) {
			return err
		}
		if attempt == c.retry.MaxAttempts {
			metrics.Default().IncCounter("vdi_provider_retry_exhausted_total", map[string]string{
				"op":     opName,
				"region": c.region,
			})
			return err
		}
		metrics.Default().IncCounter("vdi_provider_retries_total", map[string]string{
			"op":     opName,
			"region": c.region,
			"reason": ec2ErrorCode(err),
		})
		delay := c.retry.BaseDelay * time.Duration(1<<(attempt-1))
		if delay > c.retry.MaxDelay {
			delay = c.retry.MaxDelay
		}
		delay = withJitter(delay)
		log.Printf("event=provider_retry op=%s region=%s attempt=%d delay_ms=%d err=%q", opName, c.region, attempt, delay.Milliseconds(), err.Error())
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// classify converts an exhausted or immediate EC2 error into the uniform
// provider error contract. Context errors pass through so callers can tell
// their own deadline from provider trouble.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if isTransientEC2Error(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %w: %s", op, ErrRejected, apiErr.ErrorCode())
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

func withJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	floor := delay / 10
	span := delay - floor
	if span <= 0 {
		return floor
	}
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return floor + (span / 2)
	}
	n := binary.LittleEndian.Uint64(raw[:]) % uint64(span)
	// Jittered delay in [10% of base, 100% of base).
	return floor + time.Duration(n)
}

func isTransientEC2Error(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "RequestLimitExceeded",
		"Throttling",
		"ThrottlingException",
		"RequestThrottled",
		"ServiceUnavailable",
		"InternalError",
		"RequestTimeout",
		"EC2ThrottledException",
		"InsufficientInstanceCapacity":
		return true
	default:
		return false
	}
}

// isGoneError reports terminate failures safe to ignore: the instance is
// already gone or already on its way down.
func isGoneError(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	code := apiErr.ErrorCode()
	return code == "InvalidInstanceID.NotFound" || code == "IncorrectInstanceState"
}

func ec2ErrorCode(err error) string {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return "non_api_error"
	}
	code := strings.TrimSpace(apiErr.ErrorCode())
	if code == "" {
		return "unknown"
	}
	return code
}
